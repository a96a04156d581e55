package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/callpipe/internal/planner"
)

var (
	planTag  string
	planJSON bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the execution plan for a classification tag",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("plan"); err != nil {
			return err
		}

		table, err := loadRoutingTable(cfg.Routing.TablePath)
		if err != nil {
			return err
		}
		p := planner.New(table)

		if !p.Supports(planTag) {
			fmt.Fprintf(os.Stderr, "tag %q has no extraction steps; known tags: %v\n", planTag, p.Tags())
		}

		plan := p.Plan(planTag)
		if planJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		}
		formatPlan(os.Stdout, plan)
		return nil
	},
}

// formatPlan writes one line per step, grouped by phase.
func formatPlan(out io.Writer, plan planner.Plan) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PHASE\tMODE\tSTEP\tCRITICALITY\tTIMEOUT")
	_, _ = fmt.Fprintln(w, "-----\t----\t----\t-----------\t-------")

	for _, ph := range plan.Phases {
		mode := "sequential"
		if ph.Parallel {
			mode = "parallel"
		}
		if len(ph.Steps) == 0 {
			_, _ = fmt.Fprintf(w, "%s\t%s\t-\t\t\n", ph.Name, mode)
			continue
		}
		for _, s := range ph.Steps {
			crit := string(s.Criticality)
			if crit == "" {
				crit = "inherit"
			}
			timeout := "default"
			if s.Timeout > 0 {
				timeout = s.Timeout.String()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", ph.Name, mode, s.Name, crit, timeout)
		}
	}
	_ = w.Flush()
}

func init() {
	planCmd.Flags().StringVar(&planTag, "tag", "", "classification tag (required)")
	planCmd.Flags().BoolVar(&planJSON, "json", false, "print the plan as JSON")
	_ = planCmd.MarkFlagRequired("tag")
	rootCmd.AddCommand(planCmd)
}
