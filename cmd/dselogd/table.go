package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/valyala/fastjson"

	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/schema"
	"github.com/xtwoend/bga-dse/internal/server"
	"github.com/xtwoend/bga-dse/internal/value"
)

var tableInsert bool

var tableCmd = &cobra.Command{
	Use:   "table",
	Short: "Inspect and maintain consolidated tables",
}

var tableDescribeCmd = &cobra.Command{
	Use:   "describe NAME",
	Short: "Print the columns of a table as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer be.Close()

		ts, err := be.evolver.Describe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, server.NewTableResponse(ts))
	},
}

var tableDropCmd = &cobra.Command{
	Use:   "drop NAME",
	Short: "Drop a table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		be, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer be.Close()

		if err := be.evolver.DropTable(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", args[0])
		return nil
	},
}

var tableEnsureCmd = &cobra.Command{
	Use:     "ensure NAME RECORD",
	Short:   "Create or widen a table to fit a JSON object record",
	Example: `  dselogd table ensure bbnm_dse_turbine1 '{"oil_pressure": 87.5, "status": "running"}' --insert`,
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		rec, err := parseRecord([]byte(args[1]))
		if err != nil {
			return err
		}

		be, err := openForCommand(cmd)
		if err != nil {
			return err
		}
		defer be.Close()

		var outcome schema.Outcome
		if tableInsert {
			outcome, err = be.evolver.EnsureAndInsert(cmd.Context(), args[0], rec, be.options)
		} else {
			outcome, err = be.evolver.EnsureTable(cmd.Context(), args[0], rec, be.options)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", args[0], outcome)
		return nil
	},
}

func init() {
	tableEnsureCmd.Flags().BoolVar(&tableInsert, "insert", false, "also insert the record as a row")
	tableCmd.AddCommand(tableDescribeCmd, tableDropCmd, tableEnsureCmd)
}

// parseRecord decodes a JSON object into a record, keeping key order.
func parseRecord(data []byte) (schema.Record, error) {
	v, err := fastjson.ParseBytes(data)
	if err != nil {
		return nil, fmt.Errorf("record: %w: %w", errors.ErrParse, err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("record must be a JSON object: %w", errors.ErrParse)
	}

	var (
		rec  schema.Record
		perr error
	)
	obj.Visit(func(key []byte, fv *fastjson.Value) {
		if perr != nil {
			return
		}
		fieldValue, err := value.Parse(fv.MarshalTo(nil))
		if err != nil {
			perr = fmt.Errorf("field %q: %w", key, err)
			return
		}
		rec = append(rec, schema.Field{Name: string(key), Value: fieldValue})
	})
	if perr != nil {
		return nil, perr
	}
	return rec, nil
}

// openForCommand loads the configuration and opens the backends.
func openForCommand(cmd *cobra.Command) (*backends, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return openBackends(cmd.Context(), cfg)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
