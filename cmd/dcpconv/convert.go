package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dcpconv/internal/convert"
	"github.com/samcharles93/dcpconv/internal/tensor"
)

func convertCmd() *cli.Command {
	var (
		kind       string
		dtype      string
		configPath string
		safe       bool
		logging    loggingOptions
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "type",
			Usage:       "destination type (hf, pt)",
			Value:       string(convert.KindHF),
			Destination: &kind,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "weight precision for hf output (float16, bfloat16)",
			Value:       tensor.Float16.String(),
			Destination: &dtype,
		},
		&cli.BoolFlag{
			Name:        "safetensors",
			Usage:       "write hf weights as model.safetensors instead of pytorch_model.bin",
			Destination: &safe,
		},
		configFlag(&configPath),
	}
	flags = append(flags, loggingFlags(&logging)...)

	return &cli.Command{
		Name:      "convert",
		Usage:     "Convert a distributed checkpoint directory",
		ArgsUsage: "<src> <dst>",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 2 {
				return fmt.Errorf("convert: expected <src> <dst>, got %d arguments", cmd.NArg())
			}
			// An explicit --type is checked before the config file is read.
			if cmd.IsSet("type") {
				if _, err := convert.ParseKind(kind); err != nil {
					return err
				}
			}
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			applyConvertConfig(cmd, cfg, &kind, &dtype)
			applyLoggingConfig(cmd, cfg, &logging)

			k, err := convert.ParseKind(kind)
			if err != nil {
				return err
			}
			ctx, err = logging.withLogger(ctx)
			if err != nil {
				return err
			}
			dt, err := tensor.ParseDType(dtype)
			if err != nil {
				return fmt.Errorf("%w: %v", convert.ErrConfig, err)
			}

			return convert.Run(ctx, convert.Options{
				Src:         cmd.Args().Get(0),
				Dst:         cmd.Args().Get(1),
				Kind:        k,
				DType:       dt,
				SafeTensors: safe,
				Stdout:      cmd.Root().Writer,
			})
		},
	}
}
