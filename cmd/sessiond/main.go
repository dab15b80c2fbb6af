package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/pairlink/sessiond/internal/audit"
	"github.com/pairlink/sessiond/internal/config"
	"github.com/pairlink/sessiond/internal/creds"
	"github.com/pairlink/sessiond/internal/gateway"
	"github.com/pairlink/sessiond/internal/messaging"
	"github.com/pairlink/sessiond/internal/observability"
	"github.com/pairlink/sessiond/internal/protocol"
	"github.com/pairlink/sessiond/internal/protocol/loopback"
	"github.com/pairlink/sessiond/internal/ratelimit"
	"github.com/pairlink/sessiond/internal/session"
	"github.com/pairlink/sessiond/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("load config")
		}
	}
	cfg.ApplyEnv()

	observability.InitLogger("sessiond", cfg.LogLevel)

	wsConfig := ws.DefaultConfig()
	wsConfig.ListenAddr = cfg.ListenAddr
	if v := os.Getenv("MAX_OBSERVERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			wsConfig.MaxObservers = n
		}
	}
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.ReadTimeout = d
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			wsConfig.WriteTimeout = d
		}
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("sessions_dir", cfg.SessionsDir).
		Str("protocol", cfg.Protocol).
		Bool("redis", cfg.RedisAddr != "").
		Bool("nats", cfg.NATSURL != "").
		Bool("postgres", cfg.DatabaseURL != "").
		Msg("sessiond starting")

	// --- Redis (rate limiting) ---
	var limiter *ratelimit.Limiter
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			cancel()
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to redis")
		}
		cancel()
		limiter = ratelimit.NewLimiter(redisClient)
		log.Info().Str("addr", cfg.RedisAddr).Msg("rate limiting enabled")
	}

	// --- NATS (event bridge) ---
	var natsClient *messaging.Client
	gw := gateway.New()
	if cfg.NATSURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = cfg.NATSURL
		var err error
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("connect to nats")
		}
		gw.Register(messaging.NewEventSink(natsClient))
		log.Info().Str("url", cfg.NATSURL).Msg("event bridge enabled")
	}

	// --- PostgreSQL (audit trail) ---
	var db *sql.DB
	var recorder session.Recorder
	var auditRecorder *audit.Recorder
	if cfg.DatabaseURL != "" {
		var err error
		db, err = sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("open postgres")
		}
		if err := db.Ping(); err != nil {
			log.Fatal().Err(err).Msg("connect to postgres")
		}
		if err := audit.Migrate(db); err != nil {
			log.Fatal().Err(err).Msg("migrate audit schema")
		}
		auditRecorder = audit.NewRecorder(audit.NewStore(db))
		recorder = auditRecorder
		log.Info().Msg("audit trail enabled")
	}

	var connector protocol.Connector
	switch cfg.Protocol {
	case "", "loopback":
		connector = loopback.NewConnector(loopback.DefaultConfig())
	default:
		log.Fatal().Str("protocol", cfg.Protocol).Msg("unknown protocol")
	}

	store := session.NewStore()
	coordinator := session.NewCoordinator(session.Config{
		BaseDir:     cfg.SessionsDir,
		Delays:      sessionDelays(cfg),
		PairingCode: cfg.PairingCode,
	}, store, connector, creds.NewAssembler(), gw, recorder)

	server, err := ws.NewServer(wsConfig, coordinator, limiter)
	if err != nil {
		log.Fatal().Err(err).Msg("create server")
	}
	gw.Register(server.Hub())

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go session.StartJanitor(janitorCtx, store, cfg.SessionsDir,
		time.Duration(cfg.JanitorIntervalSec)*time.Second)

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down")

		if err := server.Shutdown(); err != nil {
			log.Warn().Err(err).Msg("server shutdown")
		}
		coordinator.Shutdown()
		stopJanitor()

		if auditRecorder != nil {
			auditRecorder.Close()
		}
		if natsClient != nil {
			natsClient.Close()
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if db != nil {
			_ = db.Close()
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

// sessionDelays maps the file config's millisecond knobs onto the
// coordinator's pacing.
func sessionDelays(cfg config.Config) session.Delays {
	return session.Delays{
		Pairing:   time.Duration(cfg.PairingDelayMs) * time.Millisecond,
		Stabilize: time.Duration(cfg.StabilizeDelayMs) * time.Millisecond,
		Pacing:    time.Duration(cfg.DeliverPacingMs) * time.Millisecond,
		Retire:    time.Duration(cfg.RetireDelayMs) * time.Millisecond,
		Backoff:   time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond,
	}
}
