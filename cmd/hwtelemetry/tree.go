package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"hwtelemetry/internal/logger"
	"hwtelemetry/internal/sensors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTreeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "List discovered hardware devices and their current readings",
		Args:  cobra.NoArgs,
		RunE:  showTree,
	}
	cmd.Flags().Bool("json", false, "Print the tree as JSON")
	return cmd
}

func showTree(cmd *cobra.Command, _ []string) error {
	cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Cleanup(log)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Interval+cfg.SourceTimeout)
	defer cancel()

	tree, err := sensors.Open(ctx, sensorOptions(cfg), log)
	if err != nil {
		return fmt.Errorf("open sensor tree: %w", err)
	}
	defer tree.Close()

	if err := tree.Refresh(ctx); err != nil {
		log.Warn("Some readings could not be refreshed", zap.Error(err))
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	if asJSON {
		return writeTreeJSON(os.Stdout, tree)
	}
	return writeTree(os.Stdout, tree)
}

func writeTree(w io.Writer, tree *sensors.Tree) error {
	var b strings.Builder
	err := tree.Walk(func(depth int, d *sensors.Device) {
		indent := strings.Repeat("  ", depth)
		fmt.Fprintf(&b, "%s%s [%s]\n", indent, d.Name, d.Kind)
		for _, r := range d.Readings {
			value := "N/A"
			if r.Value != nil {
				value = fmt.Sprintf("%.1f %s", *r.Value, r.Unit)
			}
			fmt.Fprintf(&b, "%s  %-12s %-24s %s\n", indent, r.Kind, r.Label, value)
		}
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, b.String())
	return err
}

func writeTreeJSON(w io.Writer, tree *sensors.Tree) error {
	var (
		data    []byte
		marshal error
	)
	// сериализация под блокировкой дерева
	err := tree.Walk(func(depth int, d *sensors.Device) {
		if depth != 0 || marshal != nil {
			return
		}
		var line []byte
		line, marshal = json.Marshal(d)
		data = append(append(data, line...), '\n')
	})
	if err != nil {
		return err
	}
	if marshal != nil {
		return fmt.Errorf("marshal device: %w", marshal)
	}
	_, err = w.Write(data)
	return err
}
