package cmd

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wegman-software/osm-mirror/internal/changeset"
	"github.com/wegman-software/osm-mirror/internal/config"
	"github.com/wegman-software/osm-mirror/internal/diffstream"
	"github.com/wegman-software/osm-mirror/internal/logger"
	"github.com/wegman-software/osm-mirror/internal/pipeline"
	"github.com/wegman-software/osm-mirror/internal/resolver"
)

var (
	generateInput        string
	generateOutput       string
	generatePlaceholders string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Compile changed records into an osmChange document",
	Long: `Read a diff stream (the output of git diff --name-status) and compile the
changed records into an osmChange document ready for upload.

Each input line is "<A|M|D>\t<kind>/<id>.yaml". Added records get negative
placeholder ids; references between them are rewritten to the placeholders.
Modified and deleted records are submitted with the version the server holds,
either derived from the local record (--resolver local) or looked up through
the OSM API in batches (--resolver remote).

The placeholder map written to --placeholders is needed by 'reconcile'.

Examples:
  git diff --name-status HEAD^ HEAD | osm-mirror generate -c 1234 > change.osc
  osm-mirror generate -i diff.txt -o change.osc --resolver remote --on-unresolved fail`,
	Run: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generateInput, "input", "i", "-", "Diff stream to read (- for stdin)")
	generateCmd.Flags().StringVarP(&generateOutput, "output", "o", "-", "Where to write the osmChange document (- for stdout)")
	generateCmd.Flags().StringVar(&generatePlaceholders, "placeholders", "placeholders.json", "Where to write the placeholder map")

	generateCmd.Flags().Int64VarP(&cfg.ChangesetID, "changeset", "c", cfg.ChangesetID, "Changeset id to put on every element")
	generateCmd.Flags().StringVar(&cfg.Generator, "generator", cfg.Generator, "Generator attribute of the document")

	generateCmd.Flags().StringVar(&cfg.Resolver, "resolver", cfg.Resolver, "Version resolution: local or remote")
	generateCmd.Flags().StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "OSM API base URL for remote version resolution")
	generateCmd.Flags().IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Entities per remote version lookup")
	generateCmd.Flags().DurationVar(&cfg.APITimeout, "api-timeout", cfg.APITimeout, "Timeout of a single API request")
	generateCmd.Flags().IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Retries of a failed API request")
	generateCmd.Flags().DurationVar(&cfg.RetryDelay, "retry-delay", cfg.RetryDelay, "Delay between API retries")

	generateCmd.Flags().StringVar(&cfg.OnUnresolved, "on-unresolved", cfg.OnUnresolved, "Unresolved modify: skip, fail or retry")
	generateCmd.Flags().StringVar(&cfg.OnUnresolvedDelete, "on-unresolved-delete", cfg.OnUnresolvedDelete, "Unresolved delete: skip, fail or retry")
}

func newResolver() resolver.Resolver {
	if cfg.Resolver == config.ResolverRemote {
		lookup := resolver.NewAPILookup(cfg.APIURL, cfg.APITimeout, cfg.MaxRetries, cfg.RetryDelay)
		return resolver.NewRemote(lookup, cfg.BatchSize)
	}
	return resolver.Local{}
}

func runGenerate(cmd *cobra.Command, args []string) {
	log := logger.Get()

	ctx, cancel := signalContext()
	defer cancel()

	policy, err := cfg.Policy()
	if err != nil {
		exitWithError("invalid policy", err)
	}

	in, closeIn, err := openInput(generateInput)
	if err != nil {
		exitWithError("failed to open diff stream", err)
	}
	defer closeIn()

	parser := diffstream.NewParser()
	actions, err := parser.Parse(ctx, in)
	if err != nil {
		exitWithError("failed to parse diff stream", err)
	}

	stats := parser.Stats()
	log.Info("Diff stream parsed",
		zap.Int64("lines", stats.Lines),
		zap.Int64("creates", stats.Creates),
		zap.Int64("modifies", stats.Modifies),
		zap.Int64("deletes", stats.Deletes))

	st := openStore(ctx)
	defer st.Close()

	rc := pipeline.NewReconciliationContext(cfg.ChangesetID, cfg.Generator, policy)
	compiler := changeset.NewCompiler(st, newResolver(), rc)

	doc, err := compiler.Compile(ctx, actions)
	if err != nil {
		printSummary(rc.Summary)
		exitWithError("failed to compile changeset", err)
	}

	// The document only reaches its destination once it is complete
	if err := compiler.Placeholders().SaveFile(generatePlaceholders); err != nil {
		exitWithError("failed to write placeholder map", err)
	}

	out, closeOut, err := openOutput(generateOutput)
	if err != nil {
		exitWithError("failed to open output", err)
	}
	w := bufio.NewWriter(out)
	if err := doc.Encode(w); err != nil {
		exitWithError("failed to write changeset", err)
	}
	if err := w.Flush(); err != nil {
		exitWithError("failed to write changeset", err)
	}
	if err := closeOut(); err != nil {
		exitWithError("failed to close output", err)
	}

	printSummary(rc.Summary)
	log.Info("Changeset written",
		zap.String("output", generateOutput),
		zap.String("placeholders", generatePlaceholders),
		zap.Int("elements", doc.Len()))

	if len(rc.Summary.Skips) > 0 {
		fmt.Fprintf(os.Stderr, "%d entities were skipped\n", len(rc.Summary.Skips))
	}
}
