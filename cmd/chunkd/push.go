package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/bitrise-io/go-chunkupload/client/chunkuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/urfave/cli"
)

var pushCommand = cli.Command{
	Name:      "push",
	Usage:     "upload a local file to a chunkd server",
	ArgsUsage: "<file>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "server", Value: "http://localhost:3000", Usage: "base URL of the upload server", EnvVar: "CHUNKD_SERVER"},
		cli.StringFlag{Name: "chunk-size", Usage: "chunk size, e.g. 8MB (default: derived from the file size)"},
		cli.IntFlag{Name: "concurrency", Value: chunkuploader.DefaultConcurrency(), Usage: "parallel chunk uploads"},
		cli.StringFlag{Name: "encoding", Value: "identity", Usage: "chunk encoding: identity or zstd"},
		cli.IntFlag{Name: "retries", Value: 3, Usage: "attempts per chunk"},
	},
	Action: push,
}

func push(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("push takes exactly one file argument")
	}
	path := c.Args().First()

	logger := log.NewLogger()
	logger.EnableDebugLog(c.GlobalBool("debug"))

	config := chunkuploader.DefaultConfig()
	config.Concurrency = c.Int("concurrency")
	config.Encoding = c.String("encoding")
	config.MaxRetryPerChunk = c.Int("retries")
	if raw := c.String("chunk-size"); raw != "" {
		size, err := units.RAMInBytes(raw)
		if err != nil {
			return err
		}
		config.ChunkSize = size
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	uploader := chunkuploader.New(c.String("server"), config, logger)
	defer uploader.CloseIdleConnections()

	result, err := uploader.UploadFile(ctx, path)
	if err != nil {
		return err
	}

	logger.Printf("%s: %s in %d chunks, sha256 %s", result.FileName,
		units.HumanSizeWithPrecision(float64(result.Size), 3), result.Chunks, result.SHA256)
	return nil
}
