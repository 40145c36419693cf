package main

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"turnoq/internal/config"
	"turnoq/internal/hub"
	"turnoq/internal/logging"
	"turnoq/internal/store"
	"turnoq/internal/store/postgres"
	"turnoq/internal/telemetry"
)

// eventEnvelope is the push frame sent to displays. Payload carries the full
// turno snapshot so clients can render without a follow-up fetch.
type eventEnvelope struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	SedeID    string          `json:"sede_id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

func main() {
	cfg := config.Load()
	logger := logging.New("display-service")

	shutdownTracing := telemetry.Setup("display-service", logger)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(ctx); err != nil {
			logger.Error().Err(err).Msg("tracing shutdown")
		}
	}()

	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("DB_DSN is required")
	}
	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("database pool")
	}
	defer pool.Close()

	feedStore := postgres.NewStore(pool, postgres.Options{MaxRetries: cfg.StoreMaxRetries})
	h := hub.New(logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/display/", sockjs.NewHandler("/display", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			h.UpdateSubscription(client, hub.Subscription{
				SedeID:   parsed.SedeID,
				ModuloID: parsed.ModuloID,
			})
		}
	}))

	root := otelhttp.NewHandler(mux, "display-service")
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	feedCtx, cancelFeed := context.WithCancel(context.Background())
	go tailOutbox(feedCtx, logger, feedStore, h, cfg)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server")
		}
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}
	cancelFeed()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown")
	}
}

// tailOutbox streams new outbox rows into the hub. The cursor starts at boot;
// displays catch up through the poll endpoint and rely on push for liveness.
func tailOutbox(ctx context.Context, logger zerolog.Logger, feedStore store.FeedStore, h *hub.Hub, cfg config.Config) {
	pollInterval := cfg.FeedPollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	batchSize := cfg.FeedBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	cursor := store.EventCursor{After: time.Now().UTC()}
	lastCleanup := time.Now()
	var running int32

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if !atomic.CompareAndSwapInt32(&running, 0, 1) {
			continue
		}

		pollCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		events, err := feedStore.ListAllOutboxEvents(pollCtx, cursor, batchSize)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("poll outbox")
			atomic.StoreInt32(&running, 0)
			continue
		}

		for _, event := range events {
			cursor.After = event.CreatedAt
			cursor.AfterID = event.EventID
			env := eventEnvelope{
				EventID:   event.EventID,
				Type:      event.Type,
				SedeID:    event.SedeID,
				Payload:   event.Payload,
				CreatedAt: event.CreatedAt,
			}
			frame, err := json.Marshal(env)
			if err != nil {
				continue
			}
			meta := extractMeta(event.Payload)
			meta.SedeID = event.SedeID
			h.Broadcast(frame, meta)
		}

		if cfg.OutboxRetention > 0 && time.Since(lastCleanup) > time.Hour {
			cleanupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := feedStore.CleanupOutbox(cleanupCtx, time.Now().Add(-cfg.OutboxRetention)); err != nil {
				logger.Error().Err(err).Msg("cleanup outbox")
			} else {
				lastCleanup = time.Now()
			}
			cancel()
		}

		atomic.StoreInt32(&running, 0)
	}
}

func extractMeta(payload []byte) hub.Subscription {
	var data struct {
		ModuloID *string `json:"modulo_id"`
	}
	if err := json.Unmarshal(payload, &data); err != nil || data.ModuloID == nil {
		return hub.Subscription{}
	}
	return hub.Subscription{ModuloID: *data.ModuloID}
}
