package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/dcpconv/internal/dcp"
)

func inspectCmd() *cli.Command {
	var sorted bool

	return &cli.Command{
		Name:      "inspect",
		Usage:     "List the entries of a distributed checkpoint",
		ArgsUsage: "<src>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "sort", Usage: "sort entries by key instead of save order", Destination: &sorted},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return fmt.Errorf("inspect: expected <src>, got %d arguments", cmd.NArg())
			}
			meta, err := dcp.ReadMetadata(cmd.Args().First())
			if err != nil {
				return err
			}
			renderMetadata(cmd.Root().Writer, meta, sorted)
			return nil
		},
	}
}

func renderMetadata(w io.Writer, meta *dcp.Metadata, sorted bool) {
	if meta.Version != "" {
		_, _ = fmt.Fprintf(w, "version: %s\n", meta.Version)
	}
	if sm := meta.StorageMeta; sm != nil && sm.CheckpointID != "" {
		_, _ = fmt.Fprintf(w, "checkpoint: %s\n", sm.CheckpointID)
	}

	keys := meta.Keys
	if sorted {
		keys = meta.SortedKeys()
	}

	var data [][]string
	for _, k := range keys {
		row := []string{k, "bytes", "", "", "", meta.Path(k).String()}
		if t, ok := meta.StateDict[k].(*dcp.TensorStorageMetadata); ok {
			row[1] = "tensor"
			row[2] = t.Properties.DType.String()
			row[3] = formatShape(t.Size)
			row[4] = strconv.Itoa(len(t.Chunks))
		}
		data = append(data, row)
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"KEY", "KIND", "DTYPE", "SHAPE", "CHUNKS", "PATH"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()
}

func formatShape(dims []int) string {
	parts := make([]string, len(dims))
	for i, d := range dims {
		parts[i] = strconv.Itoa(d)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
