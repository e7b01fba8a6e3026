package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-orchestrator/internal/livestream"
	"stream-orchestrator/internal/platform/config"
	"stream-orchestrator/internal/platform/logger"
	"stream-orchestrator/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = config.Load()

	log := logger.New(config.GetEnv("LOG_LEVEL", "info"), config.GetEnv("LOG_FORMAT", "json"))
	if err := run(log); err != nil {
		log.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	log.Info("server stopped")
}

// run wires the orchestrator and blocks until shutdown. Deferred cleanup
// always runs; main owns the exit code.
func run(log *slog.Logger) error {
	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	shutdownTimeout := config.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)
	origins := config.GetEnvList("ALLOWED_ORIGINS", []string{"*"})

	met := metrics.New()

	profiles := livestream.DefaultProfiles(livestream.ProfileOptions{
		NDISourceName: config.GetEnv("NDI_SOURCE_NAME", ""),
		RTMPListenURL: config.GetEnv("RTMP_LISTEN_URL", ""),
		SRTListenURL:  config.GetEnv("SRT_LISTEN_URL", ""),
	})
	initial := livestream.StreamingConfig{
		SourceKind: livestream.SourceKind(config.GetEnv("DEFAULT_SOURCE_KIND", string(livestream.SourceNDI))),
		SourceURL:  config.GetEnv("DEFAULT_SOURCE_URL", ""),
		Quality:    config.GetEnv("DEFAULT_QUALITY", "auto"),
	}
	if !profiles.Has(initial.SourceKind) {
		return fmt.Errorf("unknown DEFAULT_SOURCE_KIND %q", initial.SourceKind)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir, closeDir, err := openDirectory(ctx, log)
	if err != nil {
		return fmt.Errorf("directory unavailable: %w", err)
	}
	defer closeDir()

	hub := livestream.NewHub(livestream.DefaultSubscriberBuffer, log, met)
	cfgStore := livestream.NewConfigStore(livestream.NewInMemoryStore(), initial, profiles, hub, met)
	viewers := livestream.NewViewerRegistry(hub, log, met)

	launcher := livestream.NewFFmpegLauncher(config.GetEnv("FFMPEG_PATH", "ffmpeg"), log)
	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	if err := launcher.Probe(probeCtx); err != nil {
		log.Warn("transcoder binary check failed, streams will fail to start", slog.String("error", err.Error()))
	}
	cancelProbe()

	opts := livestream.SupervisorOptions{
		Output: livestream.OutputOptions{
			Dir:            config.GetEnv("HLS_OUTPUT_DIR", "./hls"),
			PlaylistName:   config.GetEnv("HLS_PLAYLIST_NAME", "stream.m3u8"),
			PublicBase:     config.GetEnv("HLS_PUBLIC_BASE", "/hls"),
			SegmentSeconds: config.GetEnvInt("HLS_SEGMENT_SECONDS", 2),
			ListSize:       config.GetEnvInt("HLS_LIST_SIZE", 6),
		},
		IdleTeardownDelay: config.GetEnvDuration("IDLE_TEARDOWN_DELAY", livestream.DefaultIdleTeardownDelay),
		StopGracePeriod:   config.GetEnvDuration("STOP_GRACE_PERIOD", livestream.DefaultStopGracePeriod),
		KillWait:          config.GetEnvDuration("KILL_WAIT", livestream.DefaultKillWait),
		ReadyOnSpawn:      config.GetEnvBool("READY_ON_SPAWN", false),
	}
	sup := livestream.NewSupervisor(launcher, profiles, cfgStore, viewers, hub, log, met, opts)
	viewers.SetObserver(sup)

	h := livestream.NewHandler(livestream.HandlerDeps{
		Config:         cfgStore,
		Stream:         sup,
		Viewers:        viewers,
		Hub:            hub,
		Identifier:     livestream.NewHeaderIdentifier(dir, log),
		AllowedOrigins: origins,
	}, log, met)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(logger.RequestLogger(log))
	r.Use(chimw.Recoverer)
	r.Use(metrics.RequestMiddleware(met))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", livestream.HeaderUserID, livestream.HeaderUserRole, livestream.HeaderUserName},
		MaxAge:         300,
	}))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetViewers(viewers.Count()) }).ServeHTTP(w, r)
	})
	h.Routes(r)

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return sup.Run(gctx)
	})
	g.Go(func() error {
		log.Info("server starting",
			slog.String("port", port),
			slog.String("log_level", logLevel),
			slog.String("source_kind", string(initial.SourceKind)),
			slog.String("hls_dir", opts.Output.Dir),
			slog.Duration("idle_teardown_delay", opts.IdleTeardownDelay))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, stopping transcoder")
		case <-gctx.Done():
			return nil
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := sup.Shutdown(shutdownCtx); err != nil {
			log.Warn("transcoder shutdown incomplete", slog.String("error", err.Error()))
		}
		hub.Close()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", slog.String("error", err.Error()))
		}
		cancelRun()
		return nil
	})

	return g.Wait()
}

// openDirectory picks the user directory: Postgres if DATABASE_URL is set,
// Redis if REDIS_ADDR is set, otherwise a static one seeded from PRESIDING_USER_ID.
func openDirectory(ctx context.Context, log *slog.Logger) (livestream.Directory, func(), error) {
	if dsn := config.GetEnv("DATABASE_URL", ""); dsn != "" {
		d, err := livestream.NewPostgresDirectory(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		log.Info("using postgres user directory")
		return d, d.Close, nil
	}
	if addr := config.GetEnv("REDIS_ADDR", ""); addr != "" {
		d, err := livestream.NewRedisDirectory(ctx, livestream.RedisDirectoryOptions{
			Addr:     addr,
			Password: config.GetEnv("REDIS_PASSWORD", ""),
			DB:       config.GetEnvInt("REDIS_DB", 0),
		})
		if err != nil {
			return nil, nil, err
		}
		log.Info("using redis user directory", slog.String("addr", addr))
		return d, func() { _ = d.Close() }, nil
	}
	return livestream.NewStaticDirectory(config.GetEnv("PRESIDING_USER_ID", "")), func() {}, nil
}
