package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/chatwire/internal/api"
	"github.com/chatwire/internal/cache"
	"github.com/chatwire/internal/config"
	"github.com/chatwire/internal/database"
	"github.com/chatwire/internal/flusher"
	"github.com/chatwire/internal/gateway"
	"github.com/chatwire/internal/jobqueue"
	"github.com/chatwire/internal/ratelimit"
	"github.com/chatwire/internal/store"
	"github.com/chatwire/pkg/models"
)

const shutdownTimeout = 15 * time.Second

// enqueuerFunc adapts a closure to gateway.Enqueuer so the hub and the queue,
// which reference each other, can be built in sequence.
type enqueuerFunc func(ctx context.Context, sub models.Submission) error

func (f enqueuerFunc) EnqueueMessage(ctx context.Context, sub models.Submission) error {
	return f(ctx, sub)
}

// ServeCommand returns the CLI command for starting the chat backend
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the Chatwire server",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the HTTP and websocket server",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Human-readable log output",
			},
		},
		Action: runServe,
	}
}

func runServe(c *cli.Context) error {
	setupLogging(c.Bool("debug"), c.Bool("pretty"))

	// Local development keeps DATABASE_URL and friends in a .env file.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	st := store.New(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}
	if err := jobqueue.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("failed to migrate job queue schema: %w", err)
	}

	ca, err := cache.New(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	defer ca.Close()

	buckets := ratelimit.NewBuckets(ca.Client(),
		ratelimit.Policy{Points: cfg.RateLimit.MessagePoints, Window: cfg.RateLimit.MessageWindow},
		ratelimit.Policy{Points: cfg.RateLimit.AuthPoints, Window: cfg.RateLimit.AuthWindow},
		ratelimit.Policy{Points: cfg.RateLimit.UploadPoints, Window: cfg.RateLimit.UploadWindow},
		cfg.RateLimit.FailOpen,
	)

	queueCfg := &jobqueue.QueueConfig{
		MaxWorkers:    cfg.Queue.MaxWorkers,
		MaxRetries:    cfg.Queue.MaxRetries,
		JobTimeout:    cfg.Queue.JobTimeout,
		CachePageSize: cfg.Chat.CachePageSize,
	}

	// The hub needs the queue to enqueue and the queue needs the hub to
	// broadcast; break the cycle by constructing the hub first and handing it
	// a late-bound enqueuer.
	var queue *jobqueue.JobQueue
	hub := gateway.NewHub(enqueuerFunc(func(ctx context.Context, sub models.Submission) error {
		return queue.EnqueueMessage(ctx, sub)
	}), ca, buckets.Message)

	queue, err = jobqueue.New(pool, st, ca, hub, queueCfg)
	if err != nil {
		return fmt.Errorf("failed to create job queue: %w", err)
	}

	go hub.Run(ctx)

	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("failed to start job queue: %w", err)
	}

	fl := flusher.New(ca, st, cfg.Chat.FlushInterval)
	go fl.Run(ctx)

	server := api.NewServer(st, ca, hub, api.Options{
		Port:        cfg.Server.Port,
		PageSize:    cfg.Chat.PageSize,
		CacheTTL:    cfg.Chat.CacheTTL,
		SearchLimit: cfg.Chat.SearchLimit,
		JWTSecret:   cfg.Auth.JWTSecret,
		EventRate: gateway.EventRate{
			PerSecond: cfg.RateLimit.EventsPerSec,
			Burst:     cfg.RateLimit.EventBurst,
		},
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("chatwire server starting")
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
	if err := queue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("job queue shutdown failed")
	}

	// A best-effort final flush so buffered read cursors survive the restart
	// without waiting a full interval.
	if _, err := fl.FlushOnce(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("final receipt flush failed")
	}

	return nil
}

func setupLogging(debug, pretty bool) {
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
