package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/api"
	"github.com/samcharles93/kvdecode/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		readTimeout   time.Duration
		storeCapacity int
	)

	flags := []cli.Flag{
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.IntFlag{
			Name:        "store-capacity",
			Usage:       "stored decode results kept before the oldest is evicted",
			Value:       api.DefaultStoreCapacity,
			Destination: &storeCapacity,
		},
		groupsFlag(),
	}
	flags = append(flags, decoderFlags()...)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the decode attention REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr)

			dec, err := openDecoder(ctx, groupsPerBlock)
			if err != nil {
				return cli.Exit("error: "+err.Error(), 1)
			}
			server := api.NewServer(dec, api.NewDecodeStore(storeCapacity), log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "kernel_config", dec.Config().String(), "kernels", len(dec.Kernels()))
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
