package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/idmap"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/reconcile"
)

var renumberMap string

var renumberCmd = &cobra.Command{
	Use:   "renumber",
	Short: "Rewrite references in every way and relation using an id map",
	Long: `Bring the whole mirror in line with an id map produced by 'reconcile':

  1. records still stored under a mapped id are renamed
  2. every way's nds and every relation's members are rewritten through the map

Only records that change are written. Afterwards no record references a local
id that the server has replaced.`,
	Run: runRenumber,
}

func init() {
	rootCmd.AddCommand(renumberCmd)

	renumberCmd.Flags().StringVarP(&renumberMap, "map", "m", "idmap.json", "Id map (local id -> authoritative id)")
}

func runRenumber(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()

	m, err := idmap.LoadFile(renumberMap)
	if err != nil {
		exitWithError("failed to load id map", err)
	}
	if m.Len() == 0 {
		log.Info("Id map is empty, nothing to do", zap.String("map", renumberMap))
		return
	}

	st := openStore(ctx)
	defer st.Close()

	progress := pipeline.NewProgressTracker("renumber")
	stopMetrics := startMetrics(ctx, progress.Fields)
	stats, err := reconcile.Sweep(ctx, st, m, cfg.Workers, progress)
	stopMetrics()
	if err != nil {
		exitWithError("failed to renumber references", err)
	}

	fmt.Printf("Renamed: %d\nScanned: %d\nRewritten: %d\n", stats.Renamed, stats.Scanned, stats.Rewritten)
}
