package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-chunkupload/upload"
	"github.com/bitrise-io/go-chunkupload/upload/assembler"
	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
	"github.com/bitrise-io/go-chunkupload/upload/completion"
	"github.com/bitrise-io/go-chunkupload/upload/session"
	"github.com/bitrise-io/go-chunkupload/upload/sweeper"
	"github.com/bitrise-io/go-chunkupload/upload/transport"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "run the upload server",
	Flags: append([]cli.Flag{
		cli.StringFlag{Name: "addr", Usage: "listen address (overrides " + config.PortKey + ")"},
		cli.StringFlag{Name: "detection", Usage: "completion detection: staged or index (overrides " + config.DetectionKey + ")"},
	}, storageFlags...),
	Action: serve,
}

func serve(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chunkstore.New(cfg.UploadsDir, logger, chunkstore.WithDiskGuard(chunkstore.NewFreeSpaceGuard(cfg.MinFreeSpace)))
	if err != nil {
		return err
	}

	registry, err := session.Open(cfg.IndexPath, session.Options{}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := registry.Close(); err != nil {
			logger.Warnf("Failed to close session registry: %s", err)
		}
	}()

	detector, err := completion.Parse(cfg.Detection)
	if err != nil {
		return err
	}

	locks := session.NewLocks()
	coordinator := upload.NewCoordinator(store, assembler.New(store, logger), registry, locks, logger,
		upload.WithDetector(detector),
		upload.WithMaxChunkSize(cfg.MaxChunkSize),
	)

	sw, err := sweeper.New(sweeper.Config{
		SessionTTL:         cfg.SessionTTL,
		AssembledRetention: cfg.SealedRetention,
		Interval:           cfg.SweepInterval,
	}, registry, store, locks, logger)
	if err != nil {
		return err
	}

	server := transport.NewServer(transport.Config{
		Addr:           cfg.Addr,
		MaxRequestSize: cfg.MaxRequestSize,
		AllowedOrigins: cfg.AllowedOrigins,
	}, coordinator, logger, transport.WithLowSpaceHook(func() {
		sw.Trigger(sweeper.TriggerReasonLowSpace)
	}))

	logServeConfig(logger, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := sw.RunBackground(gctx); !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Donef("Server stopped")
	return nil
}

func logServeConfig(logger log.Logger, cfg config.Config) {
	logger.Infof("Uploads directory: %s", cfg.UploadsDir)
	logger.Infof("Session database: %s", cfg.IndexPath)
	logger.Infof("Completion detection: %s", cfg.Detection)
	logger.Infof("Max chunk size: %s, max request size: %s",
		units.HumanSize(float64(cfg.MaxChunkSize)), units.HumanSize(float64(cfg.MaxRequestSize)))
	if cfg.MinFreeSpace > 0 {
		logger.Infof("Minimum free space: %s", units.HumanSize(float64(cfg.MinFreeSpace)))
	}
	logger.Debugf("Session TTL: %s, sealed retention: %s, sweep interval: %s", cfg.SessionTTL, cfg.SealedRetention, cfg.SweepInterval)
}
