package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/decoder"
	"github.com/samcharles93/kvdecode/internal/kernel"
	"github.com/samcharles93/kvdecode/internal/logger"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "kvdecode",
		Usage: "Single-token attention over a KV cache",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			applyLoggingConfig(cmd, LoadConfig())
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.Open(os.Stderr, logFormat, level)
			if err != nil {
				return ctx, cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			checkCmd(),
			benchCmd(),
			kernelsCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// openDecoder builds a decoder over the default kernel configuration with
// the given default group count.
func openDecoder(ctx context.Context, groups int) (*decoder.Decoder, error) {
	cfg := kernel.DefaultConfig()
	if groups > 0 {
		cfg = cfg.WithGroupsPerBlock(groups)
	}
	return decoder.New(decoder.Options{
		Config:            cfg,
		Workers:           workers,
		SharedMemoryLimit: sharedMemoryLimit,
		Logger:            logger.FromContext(ctx),
	})
}
