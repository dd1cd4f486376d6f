package cli

import (
	"encoding/json"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewConfigCmd creates the "config" command group.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect sandbox configuration",
	}
	resolve := &cobra.Command{
		Use:   "resolve",
		Short: "Resolve servers and print the effective config",
		Args:  cobra.NoArgs,
		RunE:  runConfigResolve,
	}
	resolve.Flags().String("format", "yaml", "Output format: yaml | json")
	cmd.AddCommand(resolve)
	return cmd
}

func runConfigResolve(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "yaml" && format != "json" {
		return exitError(exitValidation, "unknown format %q", format)
	}

	sb, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer closeSession(cmd, sb)

	effective := sb.EffectiveConfig()
	var data []byte
	if format == "json" {
		data, err = json.MarshalIndent(effective, "", "  ")
	} else {
		data, err = yaml.Marshal(effective)
	}
	if err != nil {
		return exitError(exitRuntime, "encoding config: %v", err)
	}
	_, _ = cmd.OutOrStdout().Write(data)
	if format == "json" {
		writeLine(cmd.OutOrStdout(), nil)
	}
	return nil
}
