package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/kvdecode/internal/api"
	"github.com/samcharles93/kvdecode/internal/decoder"
)

type kernelListing struct {
	Device  api.DeviceInfo       `json:"device"`
	Kernels []decoder.KernelInfo `json:"kernels"`
}

func kernelsCmd() *cli.Command {
	var asJSON bool

	return &cli.Command{
		Name:    "kernels",
		Aliases: []string{"ls"},
		Usage:   "List the kernel instances in the switch table",
		Flags: append(decoderFlags(),
			&cli.BoolFlag{
				Name:        "json",
				Usage:       "print the listing as JSON",
				Destination: &asJSON,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyDecoderConfig(cmd, LoadConfig())
			dec, err := openDecoder(ctx, 0)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			dev := dec.Device()
			listing := kernelListing{
				Device: api.DeviceInfo{
					Name:                string(dev.Name),
					Workers:             dev.Workers,
					SharedMemoryDefault: dev.SharedMemoryDefault,
					SharedMemoryLimit:   dev.SharedMemoryLimit,
					Features:            dev.Features,
				},
				Kernels: dec.Kernels(),
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(listing)
			}
			renderKernels(os.Stdout, listing)
			return nil
		},
	}
}

func renderKernels(w io.Writer, l kernelListing) {
	dev := l.Device
	_, _ = fmt.Fprintf(w, "device: %s, %d workers, shared memory %s (limit %s)\n",
		dev.Name, dev.Workers, humanize.IBytes(uint64(dev.SharedMemoryDefault)), humanize.IBytes(uint64(dev.SharedMemoryLimit)))
	if len(dev.Features) > 0 {
		_, _ = fmt.Fprintf(w, "features: %s\n", strings.Join(dev.Features, " "))
	}
	_, _ = fmt.Fprintln(w)

	var data [][]string
	for _, k := range l.Kernels {
		raise := "-"
		if k.SharedMemoryAttribute > 0 {
			raise = humanize.IBytes(uint64(k.SharedMemoryAttribute))
		}
		data = append(data, []string{
			k.Name,
			k.DType,
			strconv.Itoa(k.GroupsPerBlock),
			strconv.Itoa(k.HeadDim),
			humanize.Comma(int64(k.MaxSeqLen)),
			humanize.IBytes(uint64(k.FootprintBytes)),
			raise,
		})
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"NAME", "DTYPE", "GROUPS", "HEAD DIM", "MAX SEQ", "FOOTPRINT", "RAISED"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}
