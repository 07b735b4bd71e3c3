package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xtwoend/bga-dse/internal/buffer"
	"github.com/xtwoend/bga-dse/internal/validation"
)

var bufferTag string

var bufferCmd = &cobra.Command{
	Use:   "buffer",
	Short: "Inspect the latest-value buffer",
	Long: `Inspect the latest-value buffer. Only the table and redis backends are
shared with a running serve process; the memory backend is per process.`,
}

var bufferShowCmd = &cobra.Command{
	Use:   "show GROUP",
	Short: "Print the buffered records of a group as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer be.Close()

		records, err := be.buffer.Records(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if records == nil {
			records = []buffer.Record{}
		}
		return printJSON(cmd, records)
	},
}

var bufferClearCmd = &cobra.Command{
	Use:   "clear GROUP",
	Short: "Remove every tag of a group, or one tag with --tag",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		group := args[0]
		if err := validation.ValidateGroup(group); err != nil {
			return err
		}

		be, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer be.Close()

		if bufferTag != "" {
			if err := be.buffer.DropKey(cmd.Context(), group, bufferTag); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dropped %s/%s\n", group, bufferTag)
			return nil
		}

		if err := be.buffer.Clear(cmd.Context(), group); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", group)
		return nil
	},
}

func init() {
	bufferClearCmd.Flags().StringVar(&bufferTag, "tag", "", "drop only this tag")
	bufferCmd.AddCommand(bufferShowCmd, bufferClearCmd)
}
