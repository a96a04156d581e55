package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/callpipe/internal/model"
)

var (
	runTag   string
	runInput string
	runStore bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the extraction pipeline for a single call",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		in, err := readInput(runInput)
		if err != nil {
			return err
		}

		env, err := initPipeline(ctx, "run", runStore)
		if err != nil {
			return err
		}
		defer env.Close()

		result, err := env.Orchestrator.Run(ctx, runTag, in)
		if err != nil {
			return eris.Wrap(err, "pipeline run")
		}

		zap.L().Info("run complete",
			zap.String("run_id", result.RunID),
			zap.String("tag", result.Tag),
			zap.String("degradation", string(result.Degradation)),
			zap.Bool("aborted", result.Aborted),
			zap.Int("executed", len(result.Executed)),
			zap.Float64("estimated_cost", result.EstimatedCost),
		)

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

// readInput decodes a call input file. "-" reads stdin.
func readInput(path string) (model.Input, error) {
	var in model.Input

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return in, eris.Wrapf(err, "read input %s", path)
	}

	if err := json.Unmarshal(data, &in); err != nil {
		return in, eris.Wrapf(err, "parse input %s", path)
	}
	if err := in.Validate(); err != nil {
		return in, err
	}
	return in, nil
}

func init() {
	runCmd.Flags().StringVar(&runTag, "tag", "", "classification tag (empty runs classification first)")
	runCmd.Flags().StringVar(&runInput, "input", "", "call input JSON file, or - for stdin (required)")
	runCmd.Flags().BoolVar(&runStore, "store", false, "persist the run to the configured store")
	_ = runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}
