package main

import "github.com/urfave/cli/v3"

var (
	groupsPerBlock    int
	workers           int
	sharedMemoryLimit int
	logLevel          string
	logFormat         string
	debug             bool
)

func groupsFlag() cli.Flag {
	return &cli.IntFlag{
		Name:        "groups-per-block",
		Aliases:     []string{"gpb", "wavefronts-per-block"},
		Usage:       "groups per block of the kernel instance (1, 2, 4, 8, 16)",
		Value:       16,
		Destination: &groupsPerBlock,
	}
}

func decoderFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:        "workers",
			Aliases:     []string{"j"},
			Usage:       "blocks executed concurrently (0 = GOMAXPROCS)",
			Destination: &workers,
		},
		&cli.IntFlag{
			Name:        "shared-memory-limit",
			Usage:       "per-block working buffer limit in bytes (0 = device default)",
			Destination: &sharedMemoryLimit,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
