package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/osc"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/seed"
)

var seedCmd = &cobra.Command{
	Use:   "seed <extract> <file.osc[.gz]> [file.osc...]",
	Short: "Populate the mirror with the entities a set of change files touches",
	Long: `Read one or more osmChange files, collect the existing entities they modify
or delete, and copy those entities from an OSM extract into the mirror.

Entities created by the change files (version 1) are not copied. The extract is
read as PBF when its name ends in .pbf, as OSM XML otherwise; .gz is accepted.

Examples:
  osm-mirror seed region.osm.pbf 123.osc.gz 124.osc.gz
  osm-mirror seed --store mirror/ extract.osm changes.osc`,
	Args: cobra.MinimumNArgs(2),
	Run:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) {
	log := logger.Get()
	extract, changeFiles := args[0], args[1:]

	ctx, cancel := signalContext()
	defer cancel()

	sel := seed.NewSelection()
	for _, path := range changeFiles {
		changes, errs := osc.NewParser().ParseFile(ctx, path)
		if err := sel.Collect(changes, errs); err != nil {
			exitWithError("failed to read change file", err)
		}
	}

	fmt.Printf("Adds: %d\nModifies: %d\nDeletes: %d\n", sel.Adds, sel.Modifies, sel.Deletes)
	log.Info("Change files read",
		zap.Int("files", len(changeFiles)),
		zap.Int("selected", sel.Len()),
		zap.String("extract", extract))

	scanner, closeExtract, err := seed.OpenExtract(ctx, extract)
	if err != nil {
		exitWithError("failed to open extract", err)
	}
	defer closeExtract()

	st := openStore(ctx)
	defer st.Close()

	progress := pipeline.NewProgressTracker("seed")
	stopMetrics := startMetrics(ctx, progress.Fields)
	stats, err := seed.Seed(ctx, scanner, sel, st, cfg.Workers, progress)
	stopMetrics()
	if err != nil {
		exitWithError("failed to seed mirror", err)
	}

	fmt.Printf("Written: %d\n", stats.Written)
}
