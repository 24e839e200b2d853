package cmd

import (
	"bufio"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/changeset"
	"github.com/wegman-software/osm-mirror/internal/logger"
)

var decrementOutput string

var decrementVersionsCmd = &cobra.Command{
	Use:   "decrement-versions [file.osc]",
	Short: "Lower the version of every modified element by one",
	Long: `Rewrite an osmChange document so every element in a modify section carries
its version minus one. Use it on documents built from post-edit records whose
versions were never resolved against the server.

Reads stdin when no file is given.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runDecrementVersions,
}

func init() {
	rootCmd.AddCommand(decrementVersionsCmd)

	decrementVersionsCmd.Flags().StringVarP(&decrementOutput, "output", "o", "-", "Where to write the rewritten document (- for stdout)")
}

func runDecrementVersions(cmd *cobra.Command, args []string) {
	log := logger.Get()

	input := "-"
	if len(args) == 1 {
		input = args[0]
	}

	in, closeIn, err := openInput(input)
	if err != nil {
		exitWithError("failed to open input", err)
	}
	defer closeIn()

	out, closeOut, err := openOutput(decrementOutput)
	if err != nil {
		exitWithError("failed to open output", err)
	}

	w := bufio.NewWriter(out)
	n, err := changeset.DecrementModifyVersions(bufio.NewReader(in), w)
	if err != nil {
		exitWithError("failed to rewrite versions", err)
	}
	if err := w.Flush(); err != nil {
		exitWithError("failed to write output", err)
	}
	if err := closeOut(); err != nil {
		exitWithError("failed to close output", err)
	}

	log.Debug("Versions decremented", zap.Int("elements", n))
}
