package main

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"turnoq/internal/config"
	"turnoq/internal/httpapi"
	"turnoq/internal/logging"
	"turnoq/internal/models"
	"turnoq/internal/store"
	"turnoq/internal/store/memory"
	"turnoq/internal/store/postgres"
	"turnoq/internal/telemetry"
)

func main() {
	cfg := config.Load()
	logger := logging.New("turno-service")

	shutdownTracing := telemetry.Setup("turno-service", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown")
		}
	}()

	var turnoStore store.TurnoStore
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("database pool")
		}
		defer pool.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pool.Ping(pingCtx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("database ping")
		}
		cancel()

		turnoStore = postgres.NewStore(pool, postgres.Options{MaxRetries: cfg.StoreMaxRetries})
		logger.Info().Msg("using postgres store")
	} else {
		turnoStore = seedDevStore(logger)
		logger.Warn().Msg("DB_DSN not set, using in-memory store")
	}

	handler := httpapi.NewHandler(turnoStore)
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:   cfg.RateLimitPerMinute,
		IPBurst:       cfg.RateLimitBurst,
		SedePerMinute: cfg.SedeRateLimitPerMinute,
		SedeBurst:     cfg.SedeRateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", httpapi.AuthMiddleware(turnoStore, limiter.Middleware(handler.Routes())))

	root := otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, mux), "turno-service")

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server")
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("shutdown")
		}
	}
}

// seedDevStore provisions a sede with two motivos, two modulos, and an
// operator session so the API is usable out of the box during development.
func seedDevStore(logger zerolog.Logger) store.TurnoStore {
	memStore := memory.NewStore()

	sedeID := uuid.NewString()
	memStore.SeedSede(models.Sede{
		SedeID:   sedeID,
		Nombre:   "Sede Principal",
		Codigo:   "PRI",
		Timezone: "America/Bogota",
		Activa:   true,
	})

	motivoA := uuid.NewString()
	memStore.SeedMotivo(models.MotivoVisita{
		MotivoID: motivoA,
		SedeID:   sedeID,
		Nombre:   "Asesoria",
		Prefijo:  "A",
		Activo:   true,
	})
	motivoB := uuid.NewString()
	memStore.SeedMotivo(models.MotivoVisita{
		MotivoID: motivoB,
		SedeID:   sedeID,
		Nombre:   "Pagos",
		Prefijo:  "B",
		Activo:   true,
	})

	for i := 1; i <= 2; i++ {
		memStore.SeedModulo(models.Modulo{
			ModuloID: uuid.NewString(),
			SedeID:   sedeID,
			Nombre:   fmt.Sprintf("Modulo %d", i),
			Numero:   i,
			Activo:   true,
		})
	}

	sessionID := uuid.NewString()
	memStore.SeedSession(store.Session{
		SessionID: sessionID,
		UsuarioID: uuid.NewString(),
		SedeID:    sedeID,
		Rol:       store.RolOperador,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})

	logger.Info().
		Str("sede_id", sedeID).
		Str("session_id", sessionID).
		Msg("seeded development data")

	return memStore
}
