package store

import (
	"errors"
	"testing"

	"turnoq/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   string
		valid  bool
	}{
		{ActionLlamar, models.EstadoEsperando, true},
		{ActionLlamar, models.EstadoLlamando, false},
		{ActionLlamar, models.EstadoAtendido, false},
		{ActionAtender, models.EstadoLlamando, true},
		{ActionAtender, models.EstadoEsperando, false},
		{ActionAtender, models.EstadoCancelado, false},
		{ActionCancelar, models.EstadoEsperando, true},
		{ActionCancelar, models.EstadoLlamando, true},
		{ActionCancelar, models.EstadoAtendido, false},
		{ActionCancelar, models.EstadoDerivado, false},
		{ActionDerivar, models.EstadoEsperando, true},
		{ActionDerivar, models.EstadoLlamando, true},
		{ActionDerivar, models.EstadoCancelado, false},
		{"desconocido", models.EstadoEsperando, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTransitionError(t *testing.T) {
	cases := []struct {
		action string
		from   string
		want   error
	}{
		{ActionLlamar, models.EstadoEsperando, nil},
		{ActionLlamar, models.EstadoLlamando, ErrAlreadyCalled},
		{ActionLlamar, models.EstadoAtendido, ErrAlreadyTerminal},
		{ActionAtender, models.EstadoEsperando, ErrWrongState},
		{ActionAtender, models.EstadoCancelado, ErrAlreadyTerminal},
		{ActionCancelar, models.EstadoAtendido, ErrAlreadyTerminal},
		{ActionCancelar, models.EstadoLlamando, nil},
		{ActionDerivar, models.EstadoDerivado, ErrAlreadyTerminal},
	}

	for _, tt := range cases {
		err := TransitionError(tt.action, tt.from)
		if tt.want == nil {
			if err != nil {
				t.Fatalf("TransitionError(%q, %q)=%v, want nil", tt.action, tt.from, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Fatalf("TransitionError(%q, %q)=%v, want %v", tt.action, tt.from, err, tt.want)
		}
	}
}
