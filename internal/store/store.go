package store

import (
	"context"
	"encoding/json"
	"time"

	"turnoq/internal/models"
)

type CreateTurnoInput struct {
	RequestID string
	SedeID    string
	MotivoID  string
	Cedula    string
	CreatedAt time.Time
}

type TurnoActionInput struct {
	RequestID  string
	SedeID     string
	TurnoID    string
	ModuloID   string
	OccurredAt time.Time
}

// EventCursor orders outbox events by (created_at, event_id). Clients hand
// back the cursor from the previous poll; a zero cursor reads from the start.
type EventCursor struct {
	After   time.Time
	AfterID string
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	SedeID    string          `json:"sede_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// Session is the resolved operator identity supplied by the external auth
// collaborator. The engine trusts it; it never checks credentials.
type Session struct {
	SessionID string
	UsuarioID string
	SedeID    string
	Rol       string
	ExpiresAt time.Time
}

const (
	RolAdmin      = "admin"
	RolSupervisor = "supervisor"
	RolOperador   = "operador"
)

// TurnoStore is the registry contract. Mutations return the committed turno
// and whether this request performed the transition (false when replayed via
// request_id idempotency).
type TurnoStore interface {
	CreateTurno(ctx context.Context, input CreateTurnoInput) (models.Turno, bool, error)
	GetTurno(ctx context.Context, sedeID, turnoID string) (models.Turno, error)

	CallTurno(ctx context.Context, input TurnoActionInput) (models.Turno, bool, error)
	AttendTurno(ctx context.Context, input TurnoActionInput) (models.Turno, bool, error)
	CancelTurno(ctx context.Context, input TurnoActionInput) (models.Turno, bool, error)
	DeriveTurno(ctx context.Context, input TurnoActionInput) (models.Turno, bool, error)

	ListActiveTurnos(ctx context.Context, sedeID string) ([]models.Turno, error)
	ListTurnosByDate(ctx context.Context, sedeID, fecha string) ([]models.Turno, error)
	GetCurrentCall(ctx context.Context, sedeID, moduloID string) (models.Turno, bool, error)

	ListOutboxEvents(ctx context.Context, sedeID string, cursor EventCursor, limit int) ([]OutboxEvent, error)

	GetSede(ctx context.Context, sedeID string) (models.Sede, error)
	ListMotivos(ctx context.Context, sedeID string) ([]models.MotivoVisita, error)
	ListModulos(ctx context.Context, sedeID string) ([]models.Modulo, error)

	GetSession(ctx context.Context, sessionID string) (Session, error)
}

// FeedStore is the narrow surface the display feed tails. Both backends
// implement it alongside TurnoStore.
type FeedStore interface {
	ListAllOutboxEvents(ctx context.Context, cursor EventCursor, limit int) ([]OutboxEvent, error)
	CleanupOutbox(ctx context.Context, before time.Time) error
}
