package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"turnoq/internal/models"
	"turnoq/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const numeroPad = 3

const turnoColumns = `turno_id, sede_id, numero_turno, prefijo, secuencia, cedula, motivo_id, modulo_id, estado, fecha_creacion, fecha_llamado, fecha_atencion, request_id`

type Store struct {
	pool       *pgxpool.Pool
	maxRetries int
}

type Options struct {
	// MaxRetries bounds internal retries of transient connectivity failures
	// before surfacing ErrStorageUnavailable. Conflicts are never retried.
	MaxRetries int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	retries := options.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	return &Store{pool: pool, maxRetries: retries}
}

func (s *Store) CreateTurno(ctx context.Context, input store.CreateTurnoInput) (models.Turno, bool, error) {
	var turno models.Turno
	var created bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		turno = models.Turno{}
		created = false

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback(ctx)
			}
		}()

		existing, found, err := findTurnoByRequestID(ctx, tx, input.RequestID)
		if err != nil {
			return err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return err
			}
			turno = existing
			return nil
		}

		sede, err := lookupSede(ctx, tx, input.SedeID)
		if err != nil {
			return err
		}
		prefijo, err := lookupPrefijo(ctx, tx, input.SedeID, input.MotivoID)
		if err != nil {
			return err
		}

		createdAt := input.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}

		// The counter row is the only thing this statement serializes on;
		// concurrent issuances for other scopes proceed independently. The
		// date key resets numbering at the sede's local midnight.
		var seq int64
		row := tx.QueryRow(ctx, `
			INSERT INTO turno_sequences (sede_id, prefijo, fecha, next_number)
			VALUES ($1, $2, $3, 1)
			ON CONFLICT (sede_id, prefijo, fecha)
			DO UPDATE SET next_number = turno_sequences.next_number + 1
			RETURNING next_number
		`, input.SedeID, prefijo, localDate(createdAt, sede.Timezone))
		if err = row.Scan(&seq); err != nil {
			return err
		}

		numero := fmt.Sprintf("%s%0*d", prefijo, numeroPad, seq)
		row = tx.QueryRow(ctx, `
			INSERT INTO turnos (
				turno_id, request_id, sede_id, numero_turno, prefijo, secuencia,
				cedula, motivo_id, estado, fecha_creacion
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (request_id) DO NOTHING
			RETURNING `+turnoColumns+`
		`, uuid.NewString(), input.RequestID, input.SedeID, numero, prefijo, seq,
			input.Cedula, input.MotivoID, models.EstadoEsperando, createdAt)
		if turno, err = scanTurno(row); err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			// A concurrent request with the same request_id won the insert
			// while we were sequencing; hand back the committed row.
			var found bool
			if turno, found, err = findTurnoByRequestID(ctx, tx, input.RequestID); err != nil {
				return err
			}
			if !found {
				err = pgx.ErrNoRows
				return err
			}
			if err = tx.Commit(ctx); err != nil {
				return err
			}
			return nil
		}

		if err = insertOutboxEvent(ctx, tx, "turno.creado", turno); err != nil {
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.Turno{}, false, err
	}
	return turno, created, nil
}

func (s *Store) GetTurno(ctx context.Context, sedeID, turnoID string) (models.Turno, error) {
	var turno models.Turno
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT `+turnoColumns+`
			FROM turnos
			WHERE turno_id = $1 AND sede_id = $2
		`, turnoID, sedeID)
		var err error
		if turno, err = scanTurno(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrTurnoNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return models.Turno{}, err
	}
	return turno, nil
}

func (s *Store) CallTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	var turno models.Turno
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		turno = models.Turno{}
		applied = false

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback(ctx)
			}
		}()

		existing, found, err := findActionRequest(ctx, tx, store.ActionLlamar, input.RequestID)
		if err != nil {
			return err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return err
			}
			turno = existing
			return nil
		}

		// The modulo row lock serializes every llamar against the same
		// modulo, making busy-check-then-update race free.
		if err = lockModulo(ctx, tx, input.SedeID, input.ModuloID); err != nil {
			return err
		}

		// The same request may have committed while we waited on the lock;
		// without this re-check it would read its own modulo as busy.
		existing, found, err = findActionRequest(ctx, tx, store.ActionLlamar, input.RequestID)
		if err != nil {
			return err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return err
			}
			turno = existing
			return nil
		}

		var busy bool
		row := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM turnos
				WHERE modulo_id = $1 AND estado = $2
			)
		`, input.ModuloID, models.EstadoLlamando)
		if err = row.Scan(&busy); err != nil {
			return err
		}
		if busy {
			err = store.ErrModuloBusy
			return err
		}

		calledAt := occurredAt(input.OccurredAt)
		row = tx.QueryRow(ctx, `
			UPDATE turnos
			SET estado = $1,
				modulo_id = $2,
				fecha_llamado = $3
			WHERE turno_id = $4 AND sede_id = $5 AND estado = $6
			RETURNING `+turnoColumns+`
		`, models.EstadoLlamando, input.ModuloID, calledAt, input.TurnoID, input.SedeID, models.EstadoEsperando)
		if turno, err = scanTurno(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = classifyRejection(ctx, tx, input, store.ActionLlamar)
			}
			return err
		}

		if err = insertActionRequest(ctx, tx, store.ActionLlamar, input, turno.ID); err != nil {
			return err
		}
		if err = insertOutboxEvent(ctx, tx, "turno.llamado", turno); err != nil {
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return models.Turno{}, false, err
	}
	return turno, applied, nil
}

func (s *Store) AttendTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	var turno models.Turno
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		turno = models.Turno{}
		applied = false

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback(ctx)
			}
		}()

		existing, found, err := findActionRequest(ctx, tx, store.ActionAtender, input.RequestID)
		if err != nil {
			return err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return err
			}
			turno = existing
			return nil
		}

		resolvedAt := occurredAt(input.OccurredAt)
		row := tx.QueryRow(ctx, `
			UPDATE turnos
			SET estado = $1,
				fecha_atencion = $2
			WHERE turno_id = $3 AND sede_id = $4 AND estado = $5 AND modulo_id = $6
			RETURNING `+turnoColumns+`
		`, models.EstadoAtendido, resolvedAt, input.TurnoID, input.SedeID, models.EstadoLlamando, input.ModuloID)
		if turno, err = scanTurno(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = replayOrClassify(ctx, tx, input, store.ActionAtender, &turno)
			}
			return err
		}

		if err = insertActionRequest(ctx, tx, store.ActionAtender, input, turno.ID); err != nil {
			return err
		}
		if err = insertOutboxEvent(ctx, tx, "turno.atendido", turno); err != nil {
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return models.Turno{}, false, err
	}
	return turno, applied, nil
}

func (s *Store) CancelTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	return s.resolveTurno(ctx, input, store.ActionCancelar, models.EstadoCancelado, "turno.cancelado")
}

func (s *Store) DeriveTurno(ctx context.Context, input store.TurnoActionInput) (models.Turno, bool, error) {
	return s.resolveTurno(ctx, input, store.ActionDerivar, models.EstadoDerivado, "turno.derivado")
}

func (s *Store) resolveTurno(ctx context.Context, input store.TurnoActionInput, action, estado, eventType string) (models.Turno, bool, error) {
	var turno models.Turno
	var applied bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		turno = models.Turno{}
		applied = false

		tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return err
		}
		defer func() {
			if err != nil {
				_ = tx.Rollback(ctx)
			}
		}()

		existing, found, err := findActionRequest(ctx, tx, action, input.RequestID)
		if err != nil {
			return err
		}
		if found {
			if err = tx.Commit(ctx); err != nil {
				return err
			}
			turno = existing
			return nil
		}

		resolvedAt := occurredAt(input.OccurredAt)
		row := tx.QueryRow(ctx, `
			UPDATE turnos
			SET estado = $1,
				fecha_atencion = $2,
				modulo_id = CASE WHEN estado = $3 THEN NULL ELSE modulo_id END
			WHERE turno_id = $4 AND sede_id = $5 AND estado IN ($6, $3)
			RETURNING `+turnoColumns+`
		`, estado, resolvedAt, models.EstadoLlamando, input.TurnoID, input.SedeID, models.EstadoEsperando)
		if turno, err = scanTurno(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				err = replayOrClassify(ctx, tx, input, action, &turno)
			}
			return err
		}

		if err = insertActionRequest(ctx, tx, action, input, turno.ID); err != nil {
			return err
		}
		if err = insertOutboxEvent(ctx, tx, eventType, turno); err != nil {
			return err
		}
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return models.Turno{}, false, err
	}
	return turno, applied, nil
}

func (s *Store) ListActiveTurnos(ctx context.Context, sedeID string) ([]models.Turno, error) {
	var turnos []models.Turno
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT `+turnoColumns+`
			FROM turnos
			WHERE sede_id = $1 AND estado IN ($2, $3)
			ORDER BY fecha_creacion ASC, turno_id ASC
		`, sedeID, models.EstadoEsperando, models.EstadoLlamando)
		if err != nil {
			return err
		}
		turnos, err = collectTurnos(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return turnos, nil
}

func (s *Store) ListTurnosByDate(ctx context.Context, sedeID, fecha string) ([]models.Turno, error) {
	var turnos []models.Turno
	err := s.withRetry(ctx, func(ctx context.Context) error {
		var timezone string
		row := s.pool.QueryRow(ctx, `SELECT timezone FROM sedes WHERE sede_id = $1`, sedeID)
		if err := row.Scan(&timezone); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrSedeNotFound
			}
			return err
		}

		start, end, err := dayBounds(fecha, timezone)
		if err != nil {
			return err
		}

		rows, err := s.pool.Query(ctx, `
			SELECT `+turnoColumns+`
			FROM turnos
			WHERE sede_id = $1 AND fecha_creacion >= $2 AND fecha_creacion < $3
			ORDER BY fecha_creacion ASC, turno_id ASC
		`, sedeID, start, end)
		if err != nil {
			return err
		}
		turnos, err = collectTurnos(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return turnos, nil
}

func (s *Store) GetCurrentCall(ctx context.Context, sedeID, moduloID string) (models.Turno, bool, error) {
	var turno models.Turno
	var found bool
	err := s.withRetry(ctx, func(ctx context.Context) error {
		turno = models.Turno{}
		found = false

		var exists bool
		row := s.pool.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM modulos WHERE modulo_id = $1 AND sede_id = $2)
		`, moduloID, sedeID)
		if err := row.Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrModuloNotFound
		}

		row = s.pool.QueryRow(ctx, `
			SELECT `+turnoColumns+`
			FROM turnos
			WHERE sede_id = $1 AND modulo_id = $2 AND estado = $3
			ORDER BY fecha_llamado DESC
			LIMIT 1
		`, sedeID, moduloID, models.EstadoLlamando)
		var err error
		if turno, err = scanTurno(row); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return models.Turno{}, false, err
	}
	return turno, found, nil
}

func (s *Store) ListOutboxEvents(ctx context.Context, sedeID string, cursor store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	return s.listEvents(ctx, sedeID, cursor, limit)
}

func (s *Store) ListAllOutboxEvents(ctx context.Context, cursor store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	return s.listEvents(ctx, "", cursor, limit)
}

func (s *Store) listEvents(ctx context.Context, sedeID string, cursor store.EventCursor, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if cursor.AfterID == "" {
		cursor.AfterID = uuid.Nil.String()
	}

	query := `
		SELECT event_id, sede_id, type, payload_json, created_at
		FROM outbox_events
		WHERE (created_at > $1 OR (created_at = $1 AND event_id > $2))
	`
	args := []interface{}{cursor.After, cursor.AfterID}
	if sedeID != "" {
		query += " AND sede_id = $3 ORDER BY created_at ASC, event_id ASC LIMIT $4"
		args = append(args, sedeID, limit)
	} else {
		query += " ORDER BY created_at ASC, event_id ASC LIMIT $3"
		args = append(args, limit)
	}

	var events []store.OutboxEvent
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		events = nil
		for rows.Next() {
			var event store.OutboxEvent
			if err := rows.Scan(&event.EventID, &event.SedeID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
				return err
			}
			events = append(events, event)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) error {
	return s.withRetry(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM outbox_events WHERE created_at < $1`, before)
		return err
	})
}

func (s *Store) GetSede(ctx context.Context, sedeID string) (models.Sede, error) {
	var sede models.Sede
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT sede_id, nombre, codigo, timezone, activa
			FROM sedes
			WHERE sede_id = $1
		`, sedeID)
		if err := row.Scan(&sede.SedeID, &sede.Nombre, &sede.Codigo, &sede.Timezone, &sede.Activa); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrSedeNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return models.Sede{}, err
	}
	return sede, nil
}

func (s *Store) ListMotivos(ctx context.Context, sedeID string) ([]models.MotivoVisita, error) {
	var motivos []models.MotivoVisita
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT motivo_id, sede_id, nombre, prefijo, activo
			FROM motivos
			WHERE sede_id = $1 AND activo = TRUE
			ORDER BY nombre ASC
		`, sedeID)
		if err != nil {
			return err
		}
		defer rows.Close()

		motivos = nil
		for rows.Next() {
			var motivo models.MotivoVisita
			if err := rows.Scan(&motivo.MotivoID, &motivo.SedeID, &motivo.Nombre, &motivo.Prefijo, &motivo.Activo); err != nil {
				return err
			}
			motivos = append(motivos, motivo)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return motivos, nil
}

func (s *Store) ListModulos(ctx context.Context, sedeID string) ([]models.Modulo, error) {
	var modulos []models.Modulo
	err := s.withRetry(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT modulo_id, sede_id, nombre, numero, activo
			FROM modulos
			WHERE sede_id = $1 AND activo = TRUE
			ORDER BY numero ASC
		`, sedeID)
		if err != nil {
			return err
		}
		defer rows.Close()

		modulos = nil
		for rows.Next() {
			var modulo models.Modulo
			if err := rows.Scan(&modulo.ModuloID, &modulo.SedeID, &modulo.Nombre, &modulo.Numero, &modulo.Activo); err != nil {
				return err
			}
			modulos = append(modulos, modulo)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return modulos, nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (store.Session, error) {
	var session store.Session
	err := s.withRetry(ctx, func(ctx context.Context) error {
		row := s.pool.QueryRow(ctx, `
			SELECT session_id, usuario_id, sede_id, rol, expires_at
			FROM sessions
			WHERE session_id = $1 AND expires_at > NOW()
		`, sessionID)
		if err := row.Scan(&session.SessionID, &session.UsuarioID, &session.SedeID, &session.Rol, &session.ExpiresAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return store.ErrSessionNotFound
			}
			return err
		}
		return nil
	})
	if err != nil {
		return store.Session{}, err
	}
	return session, nil
}

// replayOrClassify handles a conditional update that matched no row. When
// this request already committed the action concurrently, the recorded result
// is returned and the transaction committed; otherwise the rejection is
// translated into its typed conflict.
func replayOrClassify(ctx context.Context, tx pgx.Tx, input store.TurnoActionInput, action string, turno *models.Turno) error {
	existing, found, err := findActionRequest(ctx, tx, action, input.RequestID)
	if err != nil {
		return err
	}
	if found {
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		*turno = existing
		return nil
	}
	return classifyRejection(ctx, tx, input, action)
}

// classifyRejection runs after a conditional update matched no row: load the
// turno's committed estado and translate it into the typed conflict the
// caller can act on. The row lock keeps the answer from shifting underneath.
func classifyRejection(ctx context.Context, tx pgx.Tx, input store.TurnoActionInput, action string) error {
	var estado string
	var moduloID sql.NullString
	row := tx.QueryRow(ctx, `
		SELECT estado, modulo_id
		FROM turnos
		WHERE turno_id = $1 AND sede_id = $2
		FOR UPDATE
	`, input.TurnoID, input.SedeID)
	if err := row.Scan(&estado, &moduloID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrTurnoNotFound
		}
		return err
	}
	if err := store.TransitionError(action, estado); err != nil {
		return err
	}
	// The estado allows the action, so the update could only have missed on
	// the modulo guard.
	if action == store.ActionAtender && (!moduloID.Valid || moduloID.String != input.ModuloID) {
		return store.ErrNotOwner
	}
	return store.ErrInvalidTransition
}

func lockModulo(ctx context.Context, tx pgx.Tx, sedeID, moduloID string) error {
	var activo bool
	row := tx.QueryRow(ctx, `
		SELECT activo
		FROM modulos
		WHERE modulo_id = $1 AND sede_id = $2
		FOR UPDATE
	`, moduloID, sedeID)
	if err := row.Scan(&activo); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrModuloNotFound
		}
		return err
	}
	if !activo {
		return store.ErrModuloNotFound
	}
	return nil
}

func lookupSede(ctx context.Context, tx pgx.Tx, sedeID string) (models.Sede, error) {
	var sede models.Sede
	row := tx.QueryRow(ctx, `
		SELECT sede_id, nombre, codigo, timezone, activa
		FROM sedes
		WHERE sede_id = $1 AND activa = TRUE
	`, sedeID)
	if err := row.Scan(&sede.SedeID, &sede.Nombre, &sede.Codigo, &sede.Timezone, &sede.Activa); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Sede{}, store.ErrSedeNotFound
		}
		return models.Sede{}, err
	}
	return sede, nil
}

func lookupPrefijo(ctx context.Context, tx pgx.Tx, sedeID, motivoID string) (string, error) {
	var prefijo string
	row := tx.QueryRow(ctx, `
		SELECT prefijo
		FROM motivos
		WHERE motivo_id = $1 AND sede_id = $2 AND activo = TRUE
	`, motivoID, sedeID)
	if err := row.Scan(&prefijo); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", store.ErrMotivoNotFound
		}
		return "", err
	}
	return prefijo, nil
}

func findTurnoByRequestID(ctx context.Context, tx pgx.Tx, requestID string) (models.Turno, bool, error) {
	row := tx.QueryRow(ctx, `
		SELECT `+turnoColumns+`
		FROM turnos
		WHERE request_id = $1
	`, requestID)
	turno, err := scanTurno(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Turno{}, false, nil
		}
		return models.Turno{}, false, err
	}
	return turno, true, nil
}

func findActionRequest(ctx context.Context, tx pgx.Tx, action, requestID string) (models.Turno, bool, error) {
	var turnoID string
	row := tx.QueryRow(ctx, `
		SELECT turno_id
		FROM action_requests
		WHERE action = $1 AND request_id = $2
	`, action, requestID)
	if err := row.Scan(&turnoID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Turno{}, false, nil
		}
		return models.Turno{}, false, err
	}

	row = tx.QueryRow(ctx, `
		SELECT `+turnoColumns+`
		FROM turnos
		WHERE turno_id = $1
	`, turnoID)
	turno, err := scanTurno(row)
	if err != nil {
		return models.Turno{}, false, err
	}
	return turno, true, nil
}

func insertActionRequest(ctx context.Context, tx pgx.Tx, action string, input store.TurnoActionInput, turnoID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO action_requests (action, request_id, sede_id, turno_id, modulo_id, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, action, input.RequestID, input.SedeID, turnoID, input.ModuloID, time.Now().UTC())
	return err
}

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, eventType string, turno models.Turno) error {
	payload, err := json.Marshal(turno)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, sede_id, type, payload_json, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), turno.SedeID, eventType, payload, time.Now().UTC())
	return err
}

func scanTurno(row pgx.Row) (models.Turno, error) {
	var turno models.Turno
	var moduloID sql.NullString
	var fechaLlamado sql.NullTime
	var fechaAtencion sql.NullTime
	if err := row.Scan(&turno.ID, &turno.SedeID, &turno.NumeroTurno, &turno.Prefijo, &turno.Secuencia,
		&turno.Cedula, &turno.MotivoID, &moduloID, &turno.Estado, &turno.FechaCreacion,
		&fechaLlamado, &fechaAtencion, &turno.RequestID); err != nil {
		return models.Turno{}, err
	}
	if moduloID.Valid {
		turno.ModuloID = &moduloID.String
	}
	if fechaLlamado.Valid {
		t := fechaLlamado.Time
		turno.FechaLlamado = &t
	}
	if fechaAtencion.Valid {
		t := fechaAtencion.Time
		turno.FechaAtencion = &t
	}
	return turno, nil
}

func collectTurnos(rows pgx.Rows) ([]models.Turno, error) {
	defer rows.Close()
	var turnos []models.Turno
	for rows.Next() {
		turno, err := scanTurno(rows)
		if err != nil {
			return nil, err
		}
		turnos = append(turnos, turno)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return turnos, nil
}

func (s *Store) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !retryable(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
		case <-time.After(time.Duration(attempt+1) * 100 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", store.ErrStorageUnavailable, err)
}

func retryable(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func localDate(t time.Time, tz string) string {
	return t.In(location(tz)).Format("2006-01-02")
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func dayBounds(fecha, tz string) (time.Time, time.Time, error) {
	loc := location(tz)
	start, err := time.ParseInLocation("2006-01-02", fecha, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid fecha %q: %w", fecha, err)
	}
	return start, start.AddDate(0, 0, 1), nil
}

func location(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}
