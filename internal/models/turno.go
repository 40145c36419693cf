package models

import "time"

// Turno is one visitor's queued service request. numero_turno is the
// human-facing code shown on tickets and screens, e.g. "B003".
type Turno struct {
	ID            string     `json:"id"`
	SedeID        string     `json:"sede_id"`
	NumeroTurno   string     `json:"numero_turno"`
	Prefijo       string     `json:"prefijo"`
	Secuencia     int64      `json:"secuencia"`
	Cedula        string     `json:"cedula"`
	MotivoID      string     `json:"motivo_id"`
	ModuloID      *string    `json:"modulo_id,omitempty"`
	Estado        string     `json:"estado"`
	FechaCreacion time.Time  `json:"fecha_creacion"`
	FechaLlamado  *time.Time `json:"fecha_llamado,omitempty"`
	FechaAtencion *time.Time `json:"fecha_atencion,omitempty"`
	RequestID     string     `json:"request_id,omitempty"`
	TiempoEspera  int64      `json:"tiempo_espera"`
}

const (
	EstadoEsperando = "esperando"
	EstadoLlamando  = "llamando"
	EstadoAtendido  = "atendido"
	EstadoCancelado = "cancelado"
	EstadoDerivado  = "derivado"
)

// IsTerminal reports whether no further transitions are permitted.
func IsTerminal(estado string) bool {
	switch estado {
	case EstadoAtendido, EstadoCancelado, EstadoDerivado:
		return true
	default:
		return false
	}
}

// ComputeTiempoEspera fills TiempoEspera in whole minutes. The wait ends at
// fecha_llamado once the turno has been called; before that it keeps growing.
// Recomputed on every read, never stored.
func (t *Turno) ComputeTiempoEspera(now time.Time) {
	end := now
	if t.FechaLlamado != nil {
		end = *t.FechaLlamado
	}
	minutes := int64(end.Sub(t.FechaCreacion) / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	t.TiempoEspera = minutes
}
