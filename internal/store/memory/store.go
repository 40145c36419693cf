package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"turnoq/internal/models"
	"turnoq/internal/store"

	"github.com/google/uuid"
)

const numeroPad = 3

type seqKey struct {
	sedeID  string
	prefijo string
	fecha   string
}

// Store keeps the full registry in process memory. It implements the same
// contract as the Postgres store and is used when no DB_DSN is configured.
type Store struct {
	mu sync.RWMutex

	sedes   map[string]models.Sede
	motivos map[string]models.MotivoVisita
	modulos map[string]models.Modulo

	turnos    map[string]*models.Turno
	sequences map[seqKey]int64

	createRequests map[string]string
	actionRequests map[string]string

	events   []store.OutboxEvent
	sessions map[string]store.Session
}

func NewStore() *Store {
	return &Store{
		sedes:          make(map[string]models.Sede),
		motivos:        make(map[string]models.MotivoVisita),
		modulos:        make(map[string]models.Modulo),
		turnos:         make(map[string]*models.Turno),
		sequences:      make(map[seqKey]int64),
		createRequests: make(map[string]string),
		actionRequests: make(map[string]string),
		sessions:       make(map[string]store.Session),
	}
}

// Seed helpers back the external catalog and session collaborators in
// development mode and in tests.

func (s *Store) SeedSede(sede models.Sede) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sedes[sede.SedeID] = sede
}

func (s *Store) SeedMotivo(motivo models.MotivoVisita) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.motivos[motivo.MotivoID] = motivo
}

func (s *Store) SeedModulo(modulo models.Modulo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modulos[modulo.ModuloID] = modulo
}

func (s *Store) SeedSession(session store.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.SessionID] = session
}

func (s *Store) CreateTurno(ctx context.Context, input store.CreateTurnoInput) (models.Turno, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.createRequests[input.RequestID]; ok {
		return snapshot(s.turnos[id]), false, nil
	}

	sede, ok := s.sedes[input.SedeID]
	if !ok || !sede.Activa {
		return models.Turno{}, false, store.ErrSedeNotFound
	}
	motivo, ok := s.motivos[input.MotivoID]
	if !ok || motivo.SedeID != input.SedeID || !motivo.Activo {
		return models.Turno{}, false, store.ErrMotivoNotFound
	}

	createdAt := input.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	key := seqKey{sedeID: input.SedeID, prefijo: motivo.Prefijo, fecha: localDate(createdAt, sede.Timezone)}
	s.sequences[key]++
	seq := s.sequences[key]

	turno := &models.Turno{
		ID:            uuid.NewString(),
		SedeID:        input.SedeID,
		NumeroTurno:   fmt.Sprintf("%s%0*d", motivo.Prefijo, numeroPad, seq),
		Prefijo:       motivo.Prefijo,
		Secuencia:     seq,
		Cedula:        input.Cedula,
		MotivoID:      input.MotivoID,
		Estado:        models.EstadoEsperando,
		FechaCreacion: createdAt,
		RequestID:     input.RequestID,
	}
	s.turnos[turno.ID] = turno
	s.createRequests[input.RequestID] = turno.ID
	s.appendEvent("turno.creado", turno)

	return snapshot(turno), true, nil
}

func (s *Store) GetTurno(ctx context.Context, sedeID, turnoID string) (models.Turno, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turno, ok := s.turnos[turnoID]
	if !ok || turno.SedeID != sedeID {
		return models.Turno{}, store.ErrTurnoNotFound
	}
	return snapshot(turno), nil
}

func (s *Store) CallTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turno, ok := s.replayedAction(store.ActionLlamar, input.RequestID); ok {
		return turno, false, nil
	}

	turno, ok := s.turnos[input.TurnoID]
	if !ok || turno.SedeID != input.SedeID {
		return models.Turno{}, false, store.ErrTurnoNotFound
	}
	modulo, ok := s.modulos[input.ModuloID]
	if !ok || modulo.SedeID != input.SedeID || !modulo.Activo {
		return models.Turno{}, false, store.ErrModuloNotFound
	}
	// Busy check first, matching the durable store's lock order: a llamar
	// losing through the occupied modulo reads modulo_busy, any other
	// modulo reads already_called.
	for _, other := range s.turnos {
		if other.Estado == models.EstadoLlamando && other.ModuloID != nil && *other.ModuloID == input.ModuloID {
			return models.Turno{}, false, store.ErrModuloBusy
		}
	}
	if err := store.TransitionError(store.ActionLlamar, turno.Estado); err != nil {
		return models.Turno{}, false, err
	}

	calledAt := occurredAt(input.OccurredAt)
	moduloID := input.ModuloID
	turno.Estado = models.EstadoLlamando
	turno.ModuloID = &moduloID
	turno.FechaLlamado = &calledAt

	s.recordAction(store.ActionLlamar, input.RequestID, turno.ID)
	s.appendEvent("turno.llamado", turno)
	return snapshot(turno), true, nil
}

func (s *Store) AttendTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turno, ok := s.replayedAction(store.ActionAtender, input.RequestID); ok {
		return turno, false, nil
	}

	turno, ok := s.turnos[input.TurnoID]
	if !ok || turno.SedeID != input.SedeID {
		return models.Turno{}, false, store.ErrTurnoNotFound
	}
	if err := store.TransitionError(store.ActionAtender, turno.Estado); err != nil {
		return models.Turno{}, false, err
	}
	if turno.ModuloID == nil || *turno.ModuloID != input.ModuloID {
		return models.Turno{}, false, store.ErrNotOwner
	}

	resolvedAt := occurredAt(input.OccurredAt)
	turno.Estado = models.EstadoAtendido
	turno.FechaAtencion = &resolvedAt

	s.recordAction(store.ActionAtender, input.RequestID, turno.ID)
	s.appendEvent("turno.atendido", turno)
	return snapshot(turno), true, nil
}

func (s *Store) CancelTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	return s.resolve(input, store.ActionCancelar, models.EstadoCancelado, "turno.cancelado")
}

func (s *Store) DeriveTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	return s.resolve(input, store.ActionDerivar, models.EstadoDerivado, "turno.derivado")
}

func (s *Store) resolve(input store.TurnoActionInput, action, estado, eventType string) (models.Turno, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if turno, ok := s.replayedAction(action, input.RequestID); ok {
		return turno, false, nil
	}

	turno, ok := s.turnos[input.TurnoID]
	if !ok || turno.SedeID != input.SedeID {
		return models.Turno{}, false, store.ErrTurnoNotFound
	}
	if err := store.TransitionError(action, turno.Estado); err != nil {
		return models.Turno{}, false, err
	}

	resolvedAt := occurredAt(input.OccurredAt)
	if turno.Estado == models.EstadoLlamando {
		turno.ModuloID = nil
	}
	turno.Estado = estado
	turno.FechaAtencion = &resolvedAt

	s.recordAction(action, input.RequestID, turno.ID)
	s.appendEvent(eventType, turno)
	return snapshot(turno), true, nil
}

func (s *Store) ListActiveTurnos(ctx context.Context, sedeID string) ([]models.Turno, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sedes[sedeID]; !ok {
		return nil, store.ErrSedeNotFound
	}

	var turnos []models.Turno
	for _, turno := range s.turnos {
		if turno.SedeID != sedeID {
			continue
		}
		if turno.Estado != models.EstadoEsperando && turno.Estado != models.EstadoLlamando {
			continue
		}
		turnos = append(turnos, snapshot(turno))
	}
	sortByCreation(turnos)
	return turnos, nil
}

func (s *Store) ListTurnosByDate(ctx context.Context, sedeID, fecha string) ([]models.Turno, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sede, ok := s.sedes[sedeID]
	if !ok {
		return nil, store.ErrSedeNotFound
	}

	var turnos []models.Turno
	for _, turno := range s.turnos {
		if turno.SedeID != sedeID {
			continue
		}
		if localDate(turno.FechaCreacion, sede.Timezone) != fecha {
			continue
		}
		turnos = append(turnos, snapshot(turno))
	}
	sortByCreation(turnos)
	return turnos, nil
}

func (s *Store) GetCurrentCall(ctx context.Context, sedeID, moduloID string) (models.Turno, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if modulo, ok := s.modulos[moduloID]; !ok || modulo.SedeID != sedeID {
		return models.Turno{}, false, store.ErrModuloNotFound
	}
	for _, turno := range s.turnos {
		if turno.Estado == models.EstadoLlamando && turno.ModuloID != nil && *turno.ModuloID == moduloID {
			return snapshot(turno), true, nil
		}
	}
	return models.Turno{}, false, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, sedeID string, cursor store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEvents(s.events, sedeID, cursor, limit), nil
}

func (s *Store) ListAllOutboxEvents(ctx context.Context, cursor store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterEvents(s.events, "", cursor, limit), nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.events[:0]
	for _, event := range s.events {
		if !event.CreatedAt.Before(before) {
			kept = append(kept, event)
		}
	}
	s.events = kept
	return nil
}

func (s *Store) GetSede(ctx context.Context, sedeID string) (models.Sede, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sede, ok := s.sedes[sedeID]
	if !ok {
		return models.Sede{}, store.ErrSedeNotFound
	}
	return sede, nil
}

func (s *Store) ListMotivos(ctx context.Context, sedeID string) ([]models.MotivoVisita, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var motivos []models.MotivoVisita
	for _, motivo := range s.motivos {
		if motivo.SedeID == sedeID && motivo.Activo {
			motivos = append(motivos, motivo)
		}
	}
	sort.Slice(motivos, func(i, j int) bool { return motivos[i].Nombre < motivos[j].Nombre })
	return motivos, nil
}

func (s *Store) ListModulos(ctx context.Context, sedeID string) ([]models.Modulo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var modulos []models.Modulo
	for _, modulo := range s.modulos {
		if modulo.SedeID == sedeID && modulo.Activo {
			modulos = append(modulos, modulo)
		}
	}
	sort.Slice(modulos, func(i, j int) bool { return modulos[i].Numero < modulos[j].Numero })
	return modulos, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok || time.Now().After(session.ExpiresAt) {
		return store.Session{}, store.ErrSessionNotFound
	}
	return session, nil
}

func (s *Store) replayedAction(action, requestID string) (models.Turno, bool) {
	if id, ok := s.actionRequests[action+":"+requestID]; ok {
		return snapshot(s.turnos[id]), true
	}
	return models.Turno{}, false
}

func (s *Store) recordAction(action, requestID, turnoID string) {
	s.actionRequests[action+":"+requestID] = turnoID
}

func (s *Store) appendEvent(eventType string, turno *models.Turno) {
	payload, err := json.Marshal(snapshot(turno))
	if err != nil {
		return
	}
	s.events = append(s.events, store.OutboxEvent{
		EventID:   uuid.NewString(),
		SedeID:    turno.SedeID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	})
}

func filterEvents(events []store.OutboxEvent, sedeID string, cursor store.EventCursor, limit int) []store.OutboxEvent {
	if limit <= 0 {
		limit = 100
	}
	var out []store.OutboxEvent
	for _, event := range events {
		if sedeID != "" && event.SedeID != sedeID {
			continue
		}
		if !afterCursor(event, cursor) {
			continue
		}
		out = append(out, event)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func afterCursor(event store.OutboxEvent, cursor store.EventCursor) bool {
	if event.CreatedAt.After(cursor.After) {
		return true
	}
	return event.CreatedAt.Equal(cursor.After) && event.EventID > cursor.AfterID
}

func snapshot(turno *models.Turno) models.Turno {
	copied := *turno
	if turno.ModuloID != nil {
		moduloID := *turno.ModuloID
		copied.ModuloID = &moduloID
	}
	if turno.FechaLlamado != nil {
		calledAt := *turno.FechaLlamado
		copied.FechaLlamado = &calledAt
	}
	if turno.FechaAtencion != nil {
		resolvedAt := *turno.FechaAtencion
		copied.FechaAtencion = &resolvedAt
	}
	return copied
}

func sortByCreation(turnos []models.Turno) {
	sort.Slice(turnos, func(i, j int) bool {
		if turnos[i].FechaCreacion.Equal(turnos[j].FechaCreacion) {
			return turnos[i].ID < turnos[j].ID
		}
		return turnos[i].FechaCreacion.Before(turnos[j].FechaCreacion)
	})
}

func localDate(t time.Time, tz string) string {
	loc := time.UTC
	if tz != "" {
		if parsed, err := time.LoadLocation(tz); err == nil {
			loc = parsed
		}
	}
	return t.In(loc).Format("2006-01-02")
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
