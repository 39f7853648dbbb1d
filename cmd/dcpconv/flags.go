package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dcpconv/internal/logger"
)

type loggingOptions struct {
	level  string
	format string
}

func loggingFlags(o *loggingOptions) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &o.level,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (auto, pretty, json, text)",
			Value:       "auto",
			Destination: &o.format,
		},
	}
}

func configFlag(path *string) cli.Flag {
	return &cli.StringFlag{
		Name:        "config",
		Usage:       "path to config.yaml (defaults to the user config dir)",
		Destination: path,
	}
}

// withLogger installs a stderr logger in ctx so stdout stays free for
// progress output.
func (o loggingOptions) withLogger(ctx context.Context) (context.Context, error) {
	f, err := logger.ParseFormat(o.format)
	if err != nil {
		return ctx, err
	}
	log := logger.ForFormat(f, os.Stderr, logger.ParseLevel(o.level))
	return logger.WithContext(ctx, log), nil
}
