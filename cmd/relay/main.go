package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whisper/chat-relay/internal/api"
	"github.com/whisper/chat-relay/internal/auth"
	"github.com/whisper/chat-relay/internal/broker"
	"github.com/whisper/chat-relay/internal/config"
	"github.com/whisper/chat-relay/internal/messaging"
	"github.com/whisper/chat-relay/internal/metrics"
	"github.com/whisper/chat-relay/internal/ratelimit"
	"github.com/whisper/chat-relay/internal/session"
	"github.com/whisper/chat-relay/internal/store"
	"github.com/whisper/chat-relay/internal/ws"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Sessions ---
	var (
		sessions session.Store
		limiter  ratelimit.Allower
	)
	switch cfg.SessionBackend {
	case config.SessionRedis:
		rs, err := session.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		sessions = rs
		limiter = ratelimit.NewLimiter(rs.Client())
	default:
		ms := session.NewMemoryStore()
		sessions = ms
		limiter = ratelimit.NewMemoryLimiter()
		go reportSessions(ctx, ms)
	}

	// --- Persistence ---
	st, err := store.Open(ctx, cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open %s store: %v", cfg.DBDriver, err)
	}

	authenticator := auth.New(sessions, auth.Config{
		TTL:          cfg.SessionTTL,
		SecureCookie: cfg.SecureCookie,
	})

	// --- Realtime ---
	wsConfig := ws.DefaultServerConfig()
	wsConfig.WorkerPoolSize = cfg.WorkerPoolSize
	wsConfig.MaxConnections = cfg.MaxConnections
	wsConfig.ReadTimeout = cfg.ReadTimeout
	wsConfig.WriteTimeout = cfg.WriteTimeout
	wsConfig.SendQueueSize = cfg.SendQueueSize

	realtime := ws.NewServer(wsConfig, authenticator)

	brokerConfig := broker.DefaultConfig()
	brokerConfig.BlockSize = cfg.MessageBlockSize
	brokerConfig.PersistTimeout = cfg.PersistTimeout
	b := broker.New(realtime, st, brokerConfig)
	if err := b.LoadRooms(ctx, st); err != nil {
		log.Fatalf("failed to load rooms: %v", err)
	}
	realtime.SetOnMessage(b.HandleMessage)
	realtime.SetOnDisconnect(func(c *ws.Connection) {
		log.Printf("[relay] %s (%s) left after %s", c.ID, c.Username(), time.Since(c.CreatedAt).Round(time.Second))
	})

	var natsClient *messaging.NATSClient
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATSURL
		natsClient, err = messaging.NewNATSClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
		b.SetNotifier(natsClient)
	}

	handler := api.NewHandler(st, authenticator, b.Buffer(), realtime)
	handler.SetRoomRegistry(b)
	if cfg.RateLimitEnabled {
		b.SetLimiter(limiter)
		handler.SetLoginLimiter(limiter)
	}

	if err := realtime.Open(); err != nil {
		log.Fatalf("failed to start realtime server: %v", err)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.NewRouter(),
		ReadHeaderTimeout: cfg.ReadTimeout,
	}

	log.Printf("chat relay starting")
	log.Printf("  listen_addr:      %s", cfg.ListenAddr)
	log.Printf("  worker_pool:      %d", cfg.WorkerPoolSize)
	log.Printf("  max_connections:  %d", cfg.MaxConnections)
	log.Printf("  session_backend:  %s", cfg.SessionBackend)
	log.Printf("  db_driver:        %s", cfg.DBDriver)
	log.Printf("  block_size:       %d", cfg.MessageBlockSize)
	log.Printf("  rate_limit:       %v", cfg.RateLimitEnabled)
	log.Printf("  nats_url:         %s", cfg.NATSURL)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutting down")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		if err := realtime.Shutdown(); err != nil {
			errs = append(errs, err)
		}
		if err := b.Wait(sctx); err != nil {
			log.Printf("[relay] in-flight conversations abandoned: %v", err)
		}
		if natsClient != nil {
			if err := natsClient.Flush(); err != nil {
				log.Printf("[relay] nats flush: %v", err)
			}
			natsClient.Close()
		}
		if err := st.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := sessions.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("relay stopped: %v", err)
	}
	log.Printf("relay stopped")
}

// reportSessions keeps the active sessions gauge current for the in-memory
// backend. The Redis backend is shared across processes and is not counted.
func reportSessions(ctx context.Context, ms *session.MemoryStore) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		metrics.ActiveSessions.Set(float64(ms.Len()))
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
