package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xtwoend/bga-dse/internal/errors"
	"github.com/xtwoend/bga-dse/internal/loader"
	"github.com/xtwoend/bga-dse/internal/transport/mqtt"
	"github.com/xtwoend/bga-dse/internal/validation"
)

var (
	publishValue float64
	publishPath  string
)

var publishCmd = &cobra.Command{
	Use:   "publish TOPIC [PAYLOAD]",
	Short: "Publish a test reading to the broker",
	Long: `Publish sends PAYLOAD to TOPIC. Without PAYLOAD a controller-shaped
document is built from --path and --value, e.g.

  dselogd publish data/bga/bbnm/dse/turbine1/oil-pressure --value 87.5

sends {"dse":{"device":{"value":87.5}}}.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().Float64Var(&publishValue, "value", 0, "reading used when no payload is given")
	publishCmd.Flags().StringVar(&publishPath, "path", "dse.device.value", "dot-separated keys wrapping --value")
}

func runPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	topic := args[0]
	if err := validation.ValidateTopic(topic); err != nil {
		return err
	}

	var payload []byte
	if len(args) == 2 {
		payload = []byte(args[1])
	} else {
		payload, err = nestedPayload(publishPath, publishValue)
		if err != nil {
			return err
		}
	}

	client := mqtt.New(loader.ToMQTTConfig(&cfg.MQTT))
	ctx := cmd.Context()
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := client.Publish(ctx, topic, payload); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "published %d bytes to %s\n", len(payload), topic)
	return nil
}

// nestedPayload wraps v in one object per dot-separated key of path.
func nestedPayload(path string, v float64) ([]byte, error) {
	keys := strings.Split(path, ".")
	var doc any = v
	for i := len(keys) - 1; i >= 0; i-- {
		if keys[i] == "" {
			return nil, errors.NewValidation("path", fmt.Sprintf("empty key in %q", path))
		}
		doc = map[string]any{keys[i]: doc}
	}
	return json.Marshal(doc)
}
