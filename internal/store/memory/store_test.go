package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"turnoq/internal/models"
	"turnoq/internal/store"
)

type fixture struct {
	store    *Store
	sedeID   string
	motivoA  string
	motivoB  string
	moduloID string
	modulo2  string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s := NewStore()

	f := fixture{
		store:    s,
		sedeID:   uuid.NewString(),
		motivoA:  uuid.NewString(),
		motivoB:  uuid.NewString(),
		moduloID: uuid.NewString(),
		modulo2:  uuid.NewString(),
	}
	s.SeedSede(models.Sede{SedeID: f.sedeID, Nombre: "Sede Centro", Codigo: "CEN", Timezone: "America/Bogota", Activa: true})
	s.SeedMotivo(models.MotivoVisita{MotivoID: f.motivoA, SedeID: f.sedeID, Nombre: "Asesoria", Prefijo: "A", Activo: true})
	s.SeedMotivo(models.MotivoVisita{MotivoID: f.motivoB, SedeID: f.sedeID, Nombre: "Pagos", Prefijo: "B", Activo: true})
	s.SeedModulo(models.Modulo{ModuloID: f.moduloID, SedeID: f.sedeID, Nombre: "Modulo 1", Numero: 1, Activo: true})
	s.SeedModulo(models.Modulo{ModuloID: f.modulo2, SedeID: f.sedeID, Nombre: "Modulo 2", Numero: 2, Activo: true})
	return f
}

func (f fixture) createTurno(t *testing.T, motivoID string) models.Turno {
	t.Helper()
	turno, applied, err := f.store.CreateTurno(context.Background(), store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		MotivoID:  motivoID,
		Cedula:    "1098765432",
	})
	require.NoError(t, err)
	require.True(t, applied)
	return turno
}

func (f fixture) callInput(turnoID, moduloID string) store.TurnoActionInput {
	return store.TurnoActionInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		TurnoID:   turnoID,
		ModuloID:  moduloID,
	}
}

func TestCreateTurnoAssignsSequentialNumbers(t *testing.T) {
	f := newFixture(t)

	for i := 1; i <= 2; i++ {
		f.createTurno(t, f.motivoB)
	}
	turno := f.createTurno(t, f.motivoB)

	require.Equal(t, "B", turno.Prefijo)
	require.Equal(t, int64(3), turno.Secuencia)
	require.Equal(t, "B003", turno.NumeroTurno)
	require.Equal(t, models.EstadoEsperando, turno.Estado)
}

func TestSequenceScopedPerPrefijo(t *testing.T) {
	f := newFixture(t)

	f.createTurno(t, f.motivoA)
	f.createTurno(t, f.motivoA)
	turnoB := f.createTurno(t, f.motivoB)
	turnoA := f.createTurno(t, f.motivoA)

	require.Equal(t, "B001", turnoB.NumeroTurno)
	require.Equal(t, "A003", turnoA.NumeroTurno)
}

func TestSequenceResetsPerDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)

	for i := 0; i < 3; i++ {
		_, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
			RequestID: uuid.NewString(),
			SedeID:    f.sedeID,
			MotivoID:  f.motivoA,
			Cedula:    "1098765432",
			CreatedAt: day1,
		})
		require.NoError(t, err)
	}

	turno, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		MotivoID:  f.motivoA,
		Cedula:    "1098765432",
		CreatedAt: day2,
	})
	require.NoError(t, err)
	require.Equal(t, "A001", turno.NumeroTurno)
}

func TestConcurrentCreateTurnoUniqueNumbers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 200
	results := make(chan models.Turno, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turno, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
				RequestID: uuid.NewString(),
				SedeID:    f.sedeID,
				MotivoID:  f.motivoA,
				Cedula:    "1098765432",
			})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			results <- turno
		}()
	}
	wg.Wait()
	close(results)

	numbers := make(map[string]bool)
	sequences := make(map[int64]bool)
	for turno := range results {
		require.False(t, numbers[turno.NumeroTurno], "duplicate numero %s", turno.NumeroTurno)
		numbers[turno.NumeroTurno] = true
		sequences[turno.Secuencia] = true
	}
	require.Len(t, numbers, n)
	for i := int64(1); i <= n; i++ {
		require.True(t, sequences[i], "missing secuencia %d", i)
	}
}

func TestCreateTurnoIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	input := store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		MotivoID:  f.motivoA,
		Cedula:    "1098765432",
	}
	first, applied, err := f.store.CreateTurno(ctx, input)
	require.NoError(t, err)
	require.True(t, applied)

	replayed, applied, err := f.store.CreateTurno(ctx, input)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, first.ID, replayed.ID)
	require.Equal(t, first.NumeroTurno, replayed.NumeroTurno)

	events, err := f.store.ListOutboxEvents(ctx, f.sedeID, store.EventCursor{}, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestCreateTurnoUnknownCatalog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    uuid.NewString(),
		MotivoID:  f.motivoA,
		Cedula:    "1098765432",
	})
	require.ErrorIs(t, err, store.ErrSedeNotFound)

	_, _, err = f.store.CreateTurno(ctx, store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		MotivoID:  uuid.NewString(),
		Cedula:    "1098765432",
	})
	require.ErrorIs(t, err, store.ErrMotivoNotFound)
}

func TestCallTurnoLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)

	called, applied, err := f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, models.EstadoLlamando, called.Estado)
	require.NotNil(t, called.ModuloID)
	require.Equal(t, f.moduloID, *called.ModuloID)
	require.NotNil(t, called.FechaLlamado)

	attended, applied, err := f.store.AttendTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, models.EstadoAtendido, attended.Estado)
	require.NotNil(t, attended.FechaAtencion)
}

func TestConcurrentCallSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)
	modulos := []string{f.moduloID, f.modulo2}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		moduloID := modulos[i%len(modulos)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := f.store.CallTurno(ctx, f.callInput(turno.ID, moduloID))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	// Losers see already_called, or modulo_busy when racing through the
	// modulo that won.
	var wins, conflicts int
	for err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrAlreadyCalled), errors.Is(err, store.ErrModuloBusy):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, wins)
	require.Equal(t, n-1, conflicts)
}

func TestCallConflictClassification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)
	_, _, err := f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)

	// A repeat llamar through the occupied modulo reads modulo_busy, through
	// a free modulo already_called. Same ordering as the durable store.
	_, _, err = f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.ErrorIs(t, err, store.ErrModuloBusy)

	_, _, err = f.store.CallTurno(ctx, f.callInput(turno.ID, f.modulo2))
	require.ErrorIs(t, err, store.ErrAlreadyCalled)
}

func TestCallTurnoModuloBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.createTurno(t, f.motivoA)
	second := f.createTurno(t, f.motivoA)

	_, _, err := f.store.CallTurno(ctx, f.callInput(first.ID, f.moduloID))
	require.NoError(t, err)

	_, _, err = f.store.CallTurno(ctx, f.callInput(second.ID, f.moduloID))
	require.ErrorIs(t, err, store.ErrModuloBusy)

	called, _, err := f.store.CallTurno(ctx, f.callInput(second.ID, f.modulo2))
	require.NoError(t, err)
	require.Equal(t, models.EstadoLlamando, called.Estado)
}

func TestAttendTurnoWrongModulo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)
	_, _, err := f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)

	_, _, err = f.store.AttendTurno(ctx, f.callInput(turno.ID, f.modulo2))
	require.ErrorIs(t, err, store.ErrNotOwner)
}

func TestCancelAfterAtendidoIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)
	_, _, err := f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)
	_, _, err = f.store.AttendTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)

	_, _, err = f.store.CancelTurno(ctx, f.callInput(turno.ID, ""))
	require.ErrorIs(t, err, store.ErrAlreadyTerminal)
}

func TestDerivarReleasesModulo(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)
	_, _, err := f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)

	derived, applied, err := f.store.DeriveTurno(ctx, f.callInput(turno.ID, ""))
	require.NoError(t, err)
	require.True(t, applied)
	require.Equal(t, models.EstadoDerivado, derived.Estado)
	require.Nil(t, derived.ModuloID)

	_, found, err := f.store.GetCurrentCall(ctx, f.sedeID, f.moduloID)
	require.NoError(t, err)
	require.False(t, found)
}

func TestActionIdempotentReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	turno := f.createTurno(t, f.motivoA)
	input := f.callInput(turno.ID, f.moduloID)

	first, applied, err := f.store.CallTurno(ctx, input)
	require.NoError(t, err)
	require.True(t, applied)

	replayed, applied, err := f.store.CallTurno(ctx, input)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, first.ID, replayed.ID)
	require.Equal(t, models.EstadoLlamando, replayed.Estado)
}

func TestListActiveTurnosFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		turno, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
			RequestID: uuid.NewString(),
			SedeID:    f.sedeID,
			MotivoID:  f.motivoA,
			Cedula:    "1098765432",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
		ids = append(ids, turno.ID)
	}

	_, _, err := f.store.CancelTurno(ctx, f.callInput(ids[2], ""))
	require.NoError(t, err)

	active, err := f.store.ListActiveTurnos(ctx, f.sedeID)
	require.NoError(t, err)
	require.Len(t, active, 4)

	want := []string{ids[0], ids[1], ids[3], ids[4]}
	for i, turno := range active {
		require.Equal(t, want[i], turno.ID, "position %d", i)
	}
}

func TestGetCurrentCall(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, found, err := f.store.GetCurrentCall(ctx, f.sedeID, f.moduloID)
	require.NoError(t, err)
	require.False(t, found)

	turno := f.createTurno(t, f.motivoA)
	_, _, err = f.store.CallTurno(ctx, f.callInput(turno.ID, f.moduloID))
	require.NoError(t, err)

	current, found, err := f.store.GetCurrentCall(ctx, f.sedeID, f.moduloID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, turno.ID, current.ID)

	_, _, err = f.store.GetCurrentCall(ctx, f.sedeID, uuid.NewString())
	require.ErrorIs(t, err, store.ErrModuloNotFound)
}

func TestListTurnosByDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 03:00 UTC on March 11 is still March 10 in America/Bogota (UTC-5).
	boundary := time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC)
	nextDay := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

	early, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		MotivoID:  f.motivoA,
		Cedula:    "1098765432",
		CreatedAt: boundary,
	})
	require.NoError(t, err)

	_, _, err = f.store.CreateTurno(ctx, store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    f.sedeID,
		MotivoID:  f.motivoA,
		Cedula:    "1098765432",
		CreatedAt: nextDay,
	})
	require.NoError(t, err)

	turnos, err := f.store.ListTurnosByDate(ctx, f.sedeID, "2026-03-10")
	require.NoError(t, err)
	require.Len(t, turnos, 1)
	require.Equal(t, early.ID, turnos[0].ID)
}

func TestOutboxCursorPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.createTurno(t, f.motivoA)
	}

	var collected []store.OutboxEvent
	cursor := store.EventCursor{}
	for {
		page, err := f.store.ListOutboxEvents(ctx, f.sedeID, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		last := page[len(page)-1]
		cursor = store.EventCursor{After: last.CreatedAt, AfterID: last.EventID}
	}

	require.Len(t, collected, 5)
	seen := make(map[string]bool)
	for _, event := range collected {
		require.False(t, seen[event.EventID], "event %s delivered twice", event.EventID)
		seen[event.EventID] = true
		require.Equal(t, "turno.creado", event.Type)
	}
}

func TestCleanupOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.createTurno(t, f.motivoA)
	time.Sleep(5 * time.Millisecond)
	mark := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	f.createTurno(t, f.motivoA)

	require.NoError(t, f.store.CleanupOutbox(ctx, mark))

	events, err := f.store.ListAllOutboxEvents(ctx, store.EventCursor{}, 50)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestGetSessionExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	live := store.Session{SessionID: uuid.NewString(), UsuarioID: uuid.NewString(), SedeID: f.sedeID, Rol: store.RolOperador, ExpiresAt: time.Now().Add(time.Hour)}
	expired := store.Session{SessionID: uuid.NewString(), UsuarioID: uuid.NewString(), SedeID: f.sedeID, Rol: store.RolOperador, ExpiresAt: time.Now().Add(-time.Hour)}
	f.store.SeedSession(live)
	f.store.SeedSession(expired)

	got, err := f.store.GetSession(ctx, live.SessionID)
	require.NoError(t, err)
	require.Equal(t, live.UsuarioID, got.UsuarioID)

	_, err = f.store.GetSession(ctx, expired.SessionID)
	require.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestTiempoEspera(t *testing.T) {
	created := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	turno := models.Turno{FechaCreacion: created}

	turno.ComputeTiempoEspera(created.Add(7 * time.Minute))
	require.Equal(t, int64(7), turno.TiempoEspera)

	calledAt := created.Add(12 * time.Minute)
	turno.FechaLlamado = &calledAt
	turno.ComputeTiempoEspera(created.Add(30 * time.Minute))
	require.Equal(t, int64(12), turno.TiempoEspera)
}

func TestCreateManySedesIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	otherSede := uuid.NewString()
	otherMotivo := uuid.NewString()
	f.store.SeedSede(models.Sede{SedeID: otherSede, Nombre: "Sede Norte", Codigo: "NOR", Timezone: "America/Bogota", Activa: true})
	f.store.SeedMotivo(models.MotivoVisita{MotivoID: otherMotivo, SedeID: otherSede, Nombre: "Asesoria", Prefijo: "A", Activo: true})

	f.createTurno(t, f.motivoA)
	f.createTurno(t, f.motivoA)

	turno, _, err := f.store.CreateTurno(ctx, store.CreateTurnoInput{
		RequestID: uuid.NewString(),
		SedeID:    otherSede,
		MotivoID:  otherMotivo,
		Cedula:    "1098765432",
	})
	require.NoError(t, err)
	require.Equal(t, "A001", turno.NumeroTurno, "sequence must not leak across sedes")

	active, err := f.store.ListActiveTurnos(ctx, otherSede)
	require.NoError(t, err)
	require.Len(t, active, 1)
}

func TestNumeroFormatWidth(t *testing.T) {
	f := newFixture(t)

	var last models.Turno
	for i := 0; i < 12; i++ {
		last = f.createTurno(t, f.motivoA)
	}
	require.Equal(t, fmt.Sprintf("A%03d", 12), last.NumeroTurno)
}
