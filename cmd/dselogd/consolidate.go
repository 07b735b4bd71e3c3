package main

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xtwoend/bga-dse/internal/consolidate"
	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/loader"
	"github.com/xtwoend/bga-dse/internal/validation"
)

var consolidateJob string

var consolidateCmd = &cobra.Command{
	Use:   "consolidate GROUP",
	Short: "Run one consolidation cycle for a group and exit",
	Long: `Run one consolidation cycle for GROUP: every configured job covering the
group writes the current buffer snapshot as a row. With --job only that job
runs. The buffer must be a shared backend (table or redis) to see what a
serve process has buffered.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := args[0]
		if err := validation.ValidateGroup(group); err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		jobs, err := loader.ToJobs(cfg)
		if err != nil {
			return err
		}
		loc, err := loader.Location(cfg)
		if err != nil {
			return err
		}

		be, err := openBackends(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer be.Close()

		c, err := consolidate.New(be.buffer, be.evolver, consolidate.Config{
			Jobs:     jobs,
			Options:  be.options,
			Location: loc,
		})
		if err != nil {
			return err
		}

		var results []consolidate.Result
		if consolidateJob != "" {
			job, ok := c.Job(consolidateJob)
			if !ok {
				return fmt.Errorf("%w (configured: %s)",
					errors.NewNotFound("consolidation job", consolidateJob), jobNames(c.Jobs()))
			}
			if !slices.Contains(job.Groups, group) {
				return fmt.Errorf("job %s does not cover group %s: %w", job.Name, group, errors.ErrNotFound)
			}
			res, err := c.RunJobOnce(cmd.Context(), job, group)
			if err != nil {
				return err
			}
			results = append(results, res)
		} else if results, err = c.RunOnce(cmd.Context(), group); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		for _, res := range results {
			if res.Empty {
				fmt.Fprintf(out, "%s %s: buffer empty\n", res.Job, res.Group)
				continue
			}
			fmt.Fprintf(out, "%s %s -> %s: %s, %d fields\n", res.Job, res.Group, res.Table, res.Outcome, res.Fields)
		}
		return nil
	},
}

func init() {
	consolidateCmd.Flags().StringVar(&consolidateJob, "job", "", "run only this job")
}

func jobNames(jobs []consolidate.Job) string {
	names := make([]string, len(jobs))
	for i, j := range jobs {
		names[i] = j.Name
	}
	return strings.Join(names, ", ")
}
