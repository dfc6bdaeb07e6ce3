package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"transit-graph/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <stage>",
	Short: "Run a single stage and print its result as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		reg, err := a.registry()
		if err != nil {
			return err
		}
		res, err := pipeline.NewRunner(reg).Run(ctx, args[0])
		if err != nil {
			return err
		}
		if err := printJSON(res); err != nil {
			return err
		}
		if res.Code == pipeline.CodeFailed {
			return fmt.Errorf("stage %s failed: %s", args[0], res.Message)
		}
		return nil
	},
}

var chainCmd = &cobra.Command{
	Use:   "chain [stage]",
	Short: "Run stages following next-worker hints (default start: dataset-sync)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		start := pipeline.StageDatasetSync
		if len(args) == 1 {
			start = args[0]
		}
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		reg, err := a.registry()
		if err != nil {
			return err
		}
		results, err := pipeline.NewRunner(reg).RunChain(ctx, start)
		if perr := printJSON(results); perr != nil && err == nil {
			err = perr
		}
		if err != nil {
			return err
		}
		if n := len(results); n > 0 && results[n-1].Code == pipeline.CodeFailed {
			return fmt.Errorf("chain stopped on failure: %s", results[n-1].Message)
		}
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(chainCmd)
}
