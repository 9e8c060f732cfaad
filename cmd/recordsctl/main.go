// Package main provides the recordsctl CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/recordstore/pkg/docstore"
	"github.com/orneryd/recordstore/pkg/recordstore"
	"github.com/orneryd/recordstore/pkg/recordstore/config"
)

var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "recordsctl",
		Short: "Operate on a recordstore collection from the command line",
		Long: `recordsctl inspects and maintains a recordstore collection:
print a record's data and meta as a regular read returns them (any
pending transaction on it is resolved first; _txn and _pending are not
shown), or sweep a collection for abandoned transactions and drive
them to a terminal state.`,
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("recordsctl v%s\n", version)
		},
	})

	inspectCmd := &cobra.Command{
		Use:   "inspect [id]",
		Short: "Print a record's data and meta",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	addCollectionFlags(inspectCmd)
	rootCmd.AddCommand(inspectCmd)

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Recover abandoned transactions in a collection",
		RunE:  runSweep,
	}
	addCollectionFlags(sweepCmd)
	sweepCmd.Flags().Duration("every", 0, "repeat the sweep on this interval instead of running once")
	rootCmd.AddCommand(sweepCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func addCollectionFlags(cmd *cobra.Command) {
	cmd.Flags().String("manifest", "", "path to a collections manifest (overrides the single-collection flags below)")
	cmd.Flags().String("data-dir", "./data", "BadgerDB data directory")
	cmd.Flags().String("collection", "", "collection name")
	cmd.Flags().String("data-field", "data", "payload field name carried on each document")
	cmd.Flags().StringSlice("unique", nil, "comma-separated list of fields that must be globally unique")
	cmd.Flags().Bool("sequence-in-data", false, "keep the optimistic-concurrency sequence under data.sequence instead of meta.sequence")
}

// openCollections opens every collection named by --manifest, or the one
// described by the single-collection flags when --manifest is empty.
func openCollections(ctx context.Context, cmd *cobra.Command) (*docstore.Store, []*recordstore.Collection, error) {
	manifestPath, _ := cmd.Flags().GetString("manifest")

	var manifest config.Manifest
	if manifestPath != "" {
		m, err := config.LoadManifest(manifestPath)
		if err != nil {
			return nil, nil, err
		}
		manifest = m
	} else {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		name, _ := cmd.Flags().GetString("collection")
		if name == "" {
			return nil, nil, fmt.Errorf("recordsctl: --collection or --manifest is required")
		}
		dataField, _ := cmd.Flags().GetString("data-field")
		unique, _ := cmd.Flags().GetStringSlice("unique")
		sequenceInData, _ := cmd.Flags().GetBool("sequence-in-data")
		manifest = config.Manifest{
			DataDir: dataDir,
			Collections: []config.Collection{{
				Name:           name,
				DataField:      dataField,
				UniqueFields:   unique,
				SequenceInData: sequenceInData,
			}},
		}
	}

	store, err := docstore.Open(manifest.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("recordsctl: opening %s: %w", manifest.DataDir, err)
	}

	colls := make([]*recordstore.Collection, 0, len(manifest.Collections))
	for _, cfg := range manifest.Collections {
		c, err := recordstore.New(ctx, store, cfg)
		if err != nil {
			store.Close()
			return nil, nil, fmt.Errorf("recordsctl: opening collection %q: %w", cfg.Name, err)
		}
		colls = append(colls, c)
	}
	return store, colls, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, colls, err := openCollections(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()
	if len(colls) != 1 {
		return fmt.Errorf("recordsctl: inspect takes exactly one --collection (found %d via manifest)", len(colls))
	}

	rec, err := colls[0].Get(ctx, recordstore.Query{ID: args[0]})
	if err != nil {
		return err
	}

	envelope := map[string]json.RawMessage{"data": rec.Data, "meta": rec.Meta}
	out, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	store, colls, err := openCollections(ctx, cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	every, _ := cmd.Flags().GetDuration("every")

	sweepOnce := func() error {
		for i, c := range colls {
			report, err := c.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recordsctl: sweeping collection %d: %w", i, err)
			}
			fmt.Printf("sweep: completed=%d rolled_back=%d\n", report.Completed, report.RolledBack)
		}
		return nil
	}

	if every <= 0 {
		return sweepOnce()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		if err := sweepOnce(); err != nil {
			return err
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
