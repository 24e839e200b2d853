package cmd

import (
	"sync/atomic"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/osc"
)

var applyCmd = &cobra.Command{
	Use:   "apply <file.osc[.gz]>",
	Short: "Apply an OSM change file to the mirror",
	Long: `Write the elements of an osmChange document into the mirror.

Created and modified elements replace the stored record. Deleted elements, and
elements marked visible="false", are removed. Gzip-compressed files are read
transparently.

Examples:
  osm-mirror apply 123.osc.gz
  osm-mirror apply --backend bolt --bolt-path mirror.db change.osc`,
	Args: cobra.ExactArgs(1),
	Run:  runApply,
}

func init() {
	rootCmd.AddCommand(applyCmd)
}

func runApply(cmd *cobra.Command, args []string) {
	log := logger.Get()
	path := args[0]

	ctx, cancel := signalContext()
	defer cancel()

	st := openStore(ctx)
	defer st.Close()

	parser := osc.NewParser()
	changes, errs := parser.ParseFile(ctx, path)

	var seen atomic.Int64
	counted := make(chan osc.Change, 1000)
	go func() {
		defer close(counted)
		for c := range changes {
			seen.Add(1)
			counted <- c
		}
	}()

	stopMetrics := startMetrics(ctx, func() []zap.Field {
		return []zap.Field{zap.Int64("changes", seen.Load())}
	})
	stats, err := osc.NewApplier(st).Apply(ctx, counted, errs)
	stopMetrics()
	if err != nil {
		exitWithError("failed to apply change file", err)
	}

	ps := parser.Stats()
	log.Info("Change file applied",
		zap.String("file", path),
		zap.Int64("changes", ps.Total()),
		zap.Int64("written", stats.Written),
		zap.Int64("removed", stats.Removed))
}
