package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/upload/chunkstore"
	"github.com/bitrise-io/go-chunkupload/upload/session"
	"github.com/bitrise-io/go-chunkupload/upload/sweeper"
	"github.com/docker/go-units"
	"github.com/urfave/cli"
)

var sweepCommand = cli.Command{
	Name:   "sweep",
	Usage:  "expire idle upload sessions and remove orphaned chunks once, while the server is stopped",
	Flags:  storageFlags,
	Action: sweep,
}

func sweep(c *cli.Context) error {
	cfg, logger, err := loadConfig(c)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chunkstore.New(cfg.UploadsDir, logger)
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

	sw, err := sweeper.New(sweeper.Config{
		SessionTTL:         cfg.SessionTTL,
		AssembledRetention: cfg.SealedRetention,
		Interval:           cfg.SweepInterval,
	}, registry, store, session.NewLocks(), logger)
	if err != nil {
		return err
	}

	report, err := sw.RunOnce(ctx, sweeper.TriggerReasonManual)
	if err != nil {
		return err
	}

	logger.Donef("Expired %d session(s), forgot %d assembled session(s), removed %d slot(s) and %d orphan(s), freed %s",
		len(report.Expired), len(report.Forgotten), report.SlotsRemoved, report.OrphansRemoved,
		units.HumanSize(float64(report.BytesFreed)))
	return nil
}
