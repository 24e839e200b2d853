package cmd

import (
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/diffresult"
	"github.com/wegman-software/osm-mirror/internal/idmap"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/reconcile"
)

var (
	reconcileDiffResult   string
	reconcilePlaceholders string
	reconcileMap          string
	reconcileSweep        bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fold the ids assigned by the server back into the mirror",
	Long: `Read the diffResult returned by a changeset upload and rename every record
whose id was replaced by the server.

The placeholder map written by 'generate' translates the submitted ids back to
local ids. The resulting local -> authoritative id map is merged into --map
(created when missing) and is the input of 'renumber'. Running reconcile twice
with the same diffResult is harmless.

Examples:
  osm-mirror reconcile --diff-result result.xml --placeholders ph.json --map map.json
  curl ... | osm-mirror reconcile --placeholders ph.json --map map.json --sweep`,
	Run: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)

	reconcileCmd.Flags().StringVar(&reconcileDiffResult, "diff-result", "-", "diffResult document to read (- for stdin)")
	reconcileCmd.Flags().StringVar(&reconcilePlaceholders, "placeholders", "placeholders.json", "Placeholder map written by generate")
	reconcileCmd.Flags().StringVarP(&reconcileMap, "map", "m", "idmap.json", "Id map to extend (- writes to stdout)")
	reconcileCmd.Flags().BoolVar(&reconcileSweep, "sweep", false, "Rewrite references with the new map afterwards")
}

func runReconcile(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()

	in, closeIn, err := openInput(reconcileDiffResult)
	if err != nil {
		exitWithError("failed to open diffResult", err)
	}
	defer closeIn()

	outcomes, err := diffresult.Parse(ctx, in)
	if err != nil {
		exitWithError("failed to parse diffResult", err)
	}

	placeholders, err := idmap.LoadFile(reconcilePlaceholders)
	if err != nil {
		exitWithError("failed to load placeholder map", err)
	}

	prior := idmap.New()
	if reconcileMap != "-" {
		if prior, err = idmap.LoadFile(reconcileMap); err != nil {
			exitWithError("failed to load id map", err)
		}
	}

	st := openStore(ctx)
	defer st.Close()

	var processed atomic.Int64
	stopMetrics := startMetrics(ctx, func() []zap.Field {
		return []zap.Field{zap.Int64("outcomes", processed.Load()), zap.Int("total", len(outcomes))}
	})

	m, stats, err := reconcile.NewReconciler(st).Reconcile(ctx, outcomes, placeholders, prior)
	processed.Store(int64(stats.Outcomes))
	if err != nil {
		stopMetrics()
		exitWithError("failed to reconcile", err)
	}

	if reconcileSweep {
		if _, err := reconcile.Sweep(ctx, st, m, cfg.Workers, nil); err != nil {
			stopMetrics()
			exitWithError("failed to renumber references", err)
		}
	}
	stopMetrics()

	if reconcileMap == "-" {
		if err := m.Write(os.Stdout); err != nil {
			exitWithError("failed to write id map", err)
		}
	} else if err := m.SaveFile(reconcileMap); err != nil {
		exitWithError("failed to write id map", err)
	}

	log.Info("Id map updated",
		zap.String("map", reconcileMap),
		zap.Int("entries", m.Len()),
		zap.Int("renamed", stats.Renamed),
		zap.Int("conflicts", stats.Conflicts))
}
