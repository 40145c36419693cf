package store

import "turnoq/internal/models"

const (
	ActionLlamar   = "llamar"
	ActionAtender  = "atender"
	ActionCancelar = "cancelar"
	ActionDerivar  = "derivar"
)

var transitionMap = map[string][]string{
	ActionLlamar:   {models.EstadoEsperando},
	ActionAtender:  {models.EstadoLlamando},
	ActionCancelar: {models.EstadoEsperando, models.EstadoLlamando},
	ActionDerivar:  {models.EstadoEsperando, models.EstadoLlamando},
}

func ValidTransition(action, fromEstado string) bool {
	allowed, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, estado := range allowed {
		if estado == fromEstado {
			return true
		}
	}
	return false
}

// TransitionError classifies a rejected transition. Terminal estados always
// win so a repeated cancelar/derivar reads as already_terminal, and a lost
// llamar race reads as already_called rather than a generic failure.
func TransitionError(action, fromEstado string) error {
	if ValidTransition(action, fromEstado) {
		return nil
	}
	if models.IsTerminal(fromEstado) {
		return ErrAlreadyTerminal
	}
	switch action {
	case ActionLlamar:
		return ErrAlreadyCalled
	case ActionAtender:
		return ErrWrongState
	default:
		return ErrInvalidTransition
	}
}
