package main

import (
	"fmt"
	"os"

	"github.com/bitrise-io/go-chunkupload/config"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli"
)

var version = "dev"

func main() {
	app := cli.NewApp()
	app.Name = "chunkd"
	app.Usage = "receive files uploaded in chunks and assemble them on disk"
	app.Version = version
	app.Flags = []cli.Flag{
		cli.BoolFlag{Name: "debug", Usage: "enable debug logging"},
	}
	app.Commands = []cli.Command{
		serveCommand,
		pushCommand,
		sweepCommand,
	}

	if err := app.Run(os.Args); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies the command line overrides.
func loadConfig(c *cli.Context) (config.Config, log.Logger, error) {
	cfg, err := config.Load(env.NewRepository(), pathutil.NewPathModifier())
	if err != nil {
		return config.Config{}, nil, err
	}

	if v := c.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := c.String("uploads-dir"); v != "" {
		cfg.UploadsDir = v
	}
	if v := c.String("index"); v != "" {
		cfg.IndexPath = v
	}
	if v := c.String("detection"); v != "" {
		cfg.Detection = v
	}

	logger := log.NewLogger()
	logger.EnableDebugLog(cfg.Debug || c.GlobalBool("debug"))
	return cfg, logger, nil
}

var storageFlags = []cli.Flag{
	cli.StringFlag{Name: "uploads-dir", Usage: "directory of staged chunks and assembled files (overrides " + config.UploadsDirKey + ")"},
	cli.StringFlag{Name: "index", Usage: "path of the session database (overrides " + config.IndexPathKey + ")"},
}
