// Command kiln is the build invocation entrypoint: `kiln build` drives
// the engine/build-graph stack against a graph file, and `kiln cas`
// inspects the content-addressed store directly.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"kiln/internal/cas"
	"kiln/internal/cli"
	"kiln/internal/dataid"
	"kiln/internal/engine"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var invErr *cobraExitError
		if errors.As(err, &invErr) {
			return invErr.code
		}
		return cli.ExitInternalError
	}
	return 0
}

// cobraExitError lets a RunE body surface a specific process exit code
// through cobra's plain error return.
type cobraExitError struct {
	code int
	err  error
}

func (e *cobraExitError) Error() string { return e.err.Error() }
func (e *cobraExitError) Unwrap() error { return e.err }

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Content-addressed, memoizing build engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newBuildCommand(), newCASCommand())
	return root
}

func newBuildCommand() *cobra.Command {
	var opts cli.BuildOptions
	var mode string

	cmd := &cobra.Command{
		Use:   "build [labels...]",
		Short: "Evaluate one or more target labels and materialize their outputs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Labels = args
			opts.Mode = cli.ExecutionMode(mode)

			result, err := cli.Run(cmd.Context(), opts)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return &cobraExitError{code: cli.ExitCode(err), err: err}
			}

			for _, label := range args {
				set := result.Artifacts[label]
				fmt.Fprintf(cmd.OutOrStdout(), "%s:\n", label)
				for path, id := range set {
					fmt.Fprintf(cmd.OutOrStdout(), "  %s -> %s\n", path, id.String())
				}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.WorkDir, "workdir", mustGetwd(), "workspace root all relative paths resolve against")
	flags.StringVar(&opts.GraphPath, "graph", "kiln-graph.json", "path to the target graph file")
	flags.StringVar(&opts.CASUrl, "cas", "", "content-addressed store URL (default file://<workdir>/.kiln/cas)")
	flags.StringVar(&opts.CacheDir, "cache-dir", "", "function cache directory (default <workdir>/.kiln/function-cache)")
	flags.StringVar(&opts.RunLogDir, "runlog-dir", "", "run log directory (default <workdir>)")
	flags.StringVar(&opts.TracePath, "trace", "", "write a canonical execution trace to this path")
	flags.StringVar(&mode, "mode", "incremental", "cache policy: incremental|force-rebuild|resume-only")
	flags.BoolVarP(&opts.Verbose, "verbose", "v", false, "enable development logging")

	return cmd
}

func newCASCommand() *cobra.Command {
	var casURL string

	cmd := &cobra.Command{
		Use:   "cas",
		Short: "Inspect the content-addressed store directly",
	}
	cmd.PersistentFlags().StringVar(&casURL, "cas", "", "content-addressed store URL (required)")

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Print the object stored under an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id dataid.DataID
			if err := id.UnmarshalText([]byte(args[0])); err != nil {
				return &cobraExitError{code: cli.ExitInvalidInvocation, err: err}
			}
			store, closeStore, err := openCASFlag(casURL)
			if err != nil {
				return &cobraExitError{code: cli.ExitConfigError, err: err}
			}
			defer closeStore()

			obj, ok, err := store.Get(cmd.Context(), id)
			if err != nil {
				return &cobraExitError{code: cli.ExitInternalError, err: err}
			}
			if !ok {
				return &cobraExitError{code: cli.ExitGraphFailure, err: fmt.Errorf("cas: no object for %s", args[0])}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refs: %d\n", len(obj.Refs))
			for _, r := range obj.Refs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", r.String())
			}
			fmt.Fprintln(cmd.OutOrStdout(), base64.StdEncoding.EncodeToString(obj.Data))
			return nil
		},
	}

	put := &cobra.Command{
		Use:   "put",
		Short: "Read bytes from stdin and store them, printing the resulting id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return &cobraExitError{code: cli.ExitInternalError, err: err}
			}
			store, closeStore, err := openCASFlag(casURL)
			if err != nil {
				return &cobraExitError{code: cli.ExitConfigError, err: err}
			}
			defer closeStore()

			id, err := store.Put(cmd.Context(), nil, data)
			if err != nil {
				return &cobraExitError{code: cli.ExitInternalError, err: err}
			}
			fmt.Fprintln(cmd.OutOrStdout(), id.String())
			return nil
		},
	}

	inspect := &cobra.Command{
		Use:   "inspect <id>",
		Short: "Summarise the object graph reachable from an id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id dataid.DataID
			if err := id.UnmarshalText([]byte(args[0])); err != nil {
				return &cobraExitError{code: cli.ExitInvalidInvocation, err: err}
			}
			store, closeStore, err := openCASFlag(casURL)
			if err != nil {
				return &cobraExitError{code: cli.ExitConfigError, err: err}
			}
			defer closeStore()

			summary, err := inspectObject(cmd.Context(), store, id)
			if err != nil {
				return &cobraExitError{code: cli.ExitInternalError, err: err}
			}
			if summary.Objects == 0 {
				return &cobraExitError{code: cli.ExitGraphFailure, err: fmt.Errorf("cas: no object for %s", args[0])}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "root:    %s\n", id.String())
			fmt.Fprintf(cmd.OutOrStdout(), "refs:    %d\n", summary.RootRefs)
			fmt.Fprintf(cmd.OutOrStdout(), "objects: %d\n", summary.Objects)
			fmt.Fprintf(cmd.OutOrStdout(), "bytes:   %d\n", summary.Bytes)
			if summary.Missing > 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "missing: %d\n", summary.Missing)
			}
			return nil
		},
	}

	var gcCacheDir string
	gc := &cobra.Command{
		Use:   "gc",
		Short: "Remove objects unreachable from the function cache's values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if gcCacheDir == "" {
				return &cobraExitError{code: cli.ExitInvalidInvocation, err: fmt.Errorf("--cache-dir is required")}
			}
			store, closeStore, err := openCASFlag(casURL)
			if err != nil {
				return &cobraExitError{code: cli.ExitConfigError, err: err}
			}
			defer closeStore()

			fnCache, err := engine.NewFileFunctionCache(gcCacheDir)
			if err != nil {
				return &cobraExitError{code: cli.ExitConfigError, err: err}
			}
			roots, err := fnCache.Values()
			if err != nil {
				return &cobraExitError{code: cli.ExitInternalError, err: err}
			}
			removed, err := cas.Collect(cmd.Context(), store, roots)
			if err != nil {
				return &cobraExitError{code: cli.ExitInternalError, err: err}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d objects (%d roots)\n", removed, len(roots))
			return nil
		},
	}
	gc.Flags().StringVar(&gcCacheDir, "cache-dir", "", "function cache directory whose values anchor the root set")

	cmd.AddCommand(get, put, inspect, gc)
	return cmd
}

type objectSummary struct {
	RootRefs int
	Objects  int
	Bytes    int64
	Missing  int
}

// inspectObject walks the ref graph from id, counting each object
// once.
func inspectObject(ctx context.Context, store cas.Database, id dataid.DataID) (objectSummary, error) {
	var summary objectSummary
	seen := map[dataid.DataID]bool{}
	stack := []dataid.DataID{id}
	first := true
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[cur] {
			continue
		}
		seen[cur] = true
		obj, ok, err := store.Get(ctx, cur)
		if err != nil {
			return objectSummary{}, err
		}
		if !ok {
			summary.Missing++
			first = false
			continue
		}
		if first {
			summary.RootRefs = len(obj.Refs)
			first = false
		}
		summary.Objects++
		summary.Bytes += int64(len(obj.Data))
		stack = append(stack, obj.Refs...)
	}
	return summary, nil
}

func openCASFlag(rawURL string) (cas.Database, func(), error) {
	if rawURL == "" {
		return nil, nil, fmt.Errorf("--cas is required")
	}
	reg := cas.NewRegistry()
	cas.RegisterBadger(reg)
	store, err := reg.Open(rawURL)
	if err != nil {
		return nil, nil, err
	}
	if closer, ok := store.(interface{ Close() error }); ok {
		return store, func() { _ = closer.Close() }, nil
	}
	return store, func() {}, nil
}

func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}
