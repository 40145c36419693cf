package store

import "errors"

var (
	ErrSedeNotFound    = errors.New("sede not found")
	ErrMotivoNotFound  = errors.New("motivo not found")
	ErrModuloNotFound  = errors.New("modulo not found")
	ErrTurnoNotFound   = errors.New("turno not found")
	ErrSessionNotFound = errors.New("session not found")

	// State-machine class: the requested action does not apply to the
	// turno's current estado.
	ErrInvalidTransition = errors.New("invalid transition")
	ErrWrongState        = errors.New("wrong turno state")
	ErrAlreadyTerminal   = errors.New("turno already terminal")

	// Concurrency-conflict class: a competing operator won; the caller must
	// refresh and may retry against fresh state.
	ErrAlreadyCalled = errors.New("turno already called")
	ErrModuloBusy    = errors.New("modulo already has an active call")
	ErrNotOwner      = errors.New("turno belongs to another modulo")

	ErrAccessDenied       = errors.New("access denied")
	ErrStorageUnavailable = errors.New("storage unavailable")
)
