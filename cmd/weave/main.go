// Command weave is a thin demonstration CLI over the engine and the
// filenode sample builder. The CLI surface itself is explicitly out of
// scope for the engine this module implements; this binary exists only to
// exercise that engine end to end as a thin boundary delegating everything
// real to the internal packages.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/weavegraph/weave/builder"
	"github.com/weavegraph/weave/engine"
	"github.com/weavegraph/weave/examples/filenode"
	"github.com/weavegraph/weave/nodekey"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var docPath string
	var parallelism int
	var keepGoing bool

	root := &cobra.Command{
		Use:   "weave",
		Short: "Run and inspect weave incremental evaluation graphs",
	}
	root.PersistentFlags().StringVar(&docPath, "doc", "", "path to a filenode JSON document (required)")
	root.PersistentFlags().IntVar(&parallelism, "parallelism", 4, "worker pool size")

	runCmd := &cobra.Command{
		Use:   "run [root-ids...]",
		Short: "Update the given node ids and print their values",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(docPath)
			if err != nil {
				return err
			}
			roots := rootKeys(args)

			result, err := eng.Update(cmd.Context(), roots, keepGoing, parallelism)
			if err != nil {
				return err
			}
			for _, root := range roots {
				outcome := result.Outcomes[root]
				if outcome.Err != nil {
					fmt.Printf("%s: error: %v\n", root, outcome.Err)
					continue
				}
				fmt.Printf("%s: %v\n", root, outcome.Value)
			}
			if result.HasError && !keepGoing {
				return fmt.Errorf("update failed")
			}
			return nil
		},
	}
	runCmd.Flags().BoolVar(&keepGoing, "keep-going", true, "continue past per-node errors")

	dumpCmd := &cobra.Command{
		Use:   "dump [root-ids...]",
		Short: "Update the given node ids (if any), then dump the full graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := buildEngine(docPath)
			if err != nil {
				return err
			}
			if roots := rootKeys(args); len(roots) > 0 {
				if _, err := eng.Update(cmd.Context(), roots, true, parallelism); err != nil {
					return err
				}
			}
			return eng.Dump(os.Stdout)
		},
	}

	root.AddCommand(runCmd, dumpCmd)
	return root
}

func rootKeys(ids []string) []nodekey.Key {
	out := make([]nodekey.Key, len(ids))
	for i, id := range ids {
		out[i] = filenode.Key(id)
	}
	return out
}

func buildEngine(docPath string) (*engine.Engine, error) {
	if docPath == "" {
		return nil, fmt.Errorf("--doc is required")
	}
	f, err := os.Open(docPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := filenode.Parse(f)
	if err != nil {
		return nil, err
	}

	fb, err := filenode.New(doc, 10*time.Minute)
	if err != nil {
		return nil, err
	}

	registry := builder.NewRegistry()
	registry.Register(filenode.TypeTag, fb)

	zl, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	log := zapr.NewLogger(zl)

	return engine.New(registry, engine.WithLogger(log)), nil
}
