package main

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/toolgate/internal/builtin"
	"github.com/triage-ai/palisade/toolgate/internal/engine"
	"github.com/triage-ai/palisade/toolgate/internal/ledger"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

type rootOptions struct {
	policyFile string
	root       string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:           "toolgate",
		Short:         "Run tools behind prerequisite policies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.policyFile, "policy", "", "policy document (default: built-in policy)")
	root.PersistentFlags().StringVar(&opts.root, "root", ".", "workspace root for the built-in tools")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at debug level to stderr")

	root.AddCommand(newPolicyCmd(opts), newRunCmd(opts), newToolsCmd(opts))
	return root
}

func newPolicyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and validate policy documents",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective policy document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := loadEntries(opts.policyFile)
			if err != nil {
				return err
			}
			out, err := policy.MarshalDocument(entries)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	})

	var allowUnknown bool
	validate := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a policy document for syntax errors, cycles and unknown tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := policy.LoadFile(args[0])
			if err != nil {
				return err
			}

			var storeOpts []policy.StoreOption
			if !allowUnknown {
				reg, err := newRegistry(opts, zap.NewNop())
				if err != nil {
					return err
				}
				storeOpts = append(storeOpts, policy.WithKnownTools(reg.Names))
			}
			cat, err := policy.NewStore(storeOpts...).Replace(entries, "file:"+args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d policies in %s\n", cat.Len(), args[0])
			return nil
		},
	}
	validate.Flags().BoolVar(&allowUnknown, "allow-unknown", false, "accept requirements that name no built-in tool")
	cmd.AddCommand(validate)

	return cmd
}

func newRunCmd(opts *rootOptions) *cobra.Command {
	var (
		argsJSON []string
		mode     string
	)

	cmd := &cobra.Command{
		Use:   "run TOOL [TOOL...]",
		Short: "Run tools in order in a fresh session, stopping at the first failure",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, names []string) error {
			satisfaction, err := engine.ParseSatisfactionMode(mode)
			if err != nil {
				return err
			}
			argsList := make([]registry.Args, len(argsJSON))
			for i, raw := range argsJSON {
				if err := json.Unmarshal([]byte(raw), &argsList[i]); err != nil {
					return fmt.Errorf("--args #%d: %w", i+1, err)
				}
			}

			logger := newLogger(opts.verbose)
			defer logger.Sync() //nolint:errcheck // best-effort flush

			reg, err := newRegistry(opts, logger)
			if err != nil {
				return err
			}
			store := policy.NewStore(policy.WithKnownTools(reg.Names))
			entries, err := loadEntries(opts.policyFile)
			if err != nil {
				return err
			}
			if _, err := store.Replace(entries, "cli"); err != nil {
				return err
			}

			exec := engine.New(reg, policy.NewEnforcer(store), ledger.New(), logger,
				engine.WithSatisfactionMode(satisfaction))

			results, runErr := exec.ExecuteSequence(context.Background(), names, argsList)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			for _, r := range results {
				if err := enc.Encode(resultView(r)); err != nil {
					return err
				}
			}
			if runErr != nil {
				return runErr
			}
			if len(results) > 0 && !results[len(results)-1].Success {
				return fmt.Errorf("%s failed: %w", results[len(results)-1].ToolName, results[len(results)-1].Err)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&argsJSON, "args", nil, "JSON object of arguments, one per tool in order")
	cmd.Flags().StringVar(&mode, "mode", "completion", "satisfaction mode: completion or verdict")
	return cmd
}

var toolCategories = []registry.Category{
	registry.CategoryValidator,
	registry.CategoryGenerator,
	registry.CategoryAnalyzer,
	registry.CategoryExecutor,
}

func newToolsCmd(opts *rootOptions) *cobra.Command {
	var category string

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the built-in tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := newRegistry(opts, zap.NewNop())
			if err != nil {
				return err
			}

			entries := reg.All()
			if category != "" {
				c := registry.Category(category)
				if !slices.Contains(toolCategories, c) {
					return fmt.Errorf("unknown category %q (want validator, generator, analyzer or executor)", category)
				}
				entries = reg.ByCategory(c)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCATEGORY\tDESCRIPTION")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Name, e.Category, e.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list tools in this category")
	return cmd
}

type resultJSON struct {
	Tool            string  `json:"tool"`
	Success         bool    `json:"success"`
	Value           any     `json:"value,omitempty"`
	Error           string  `json:"error,omitempty"`
	ExecutionTimeMs float64 `json:"execution_time_ms"`
}

func resultView(r *engine.Result) resultJSON {
	out := resultJSON{
		Tool:            r.ToolName,
		Success:         r.Success,
		Value:           r.Value,
		ExecutionTimeMs: float64(r.ExecutionTime.Microseconds()) / 1000,
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return out
}

func loadEntries(path string) ([]policy.Entry, error) {
	if path == "" {
		return policy.DefaultEntries()
	}
	return policy.LoadFile(path)
}

func newRegistry(opts *rootOptions, logger *zap.Logger) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)
	if _, err := builtin.Register(reg, builtin.Config{Root: opts.root, Logger: logger}); err != nil {
		return nil, err
	}
	return reg, nil
}

func newLogger(verbose bool) *zap.Logger {
	if !verbose {
		return zap.NewNop()
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
