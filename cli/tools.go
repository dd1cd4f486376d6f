package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/sandbox/tool"
)

// NewToolsCmd creates the "tools" command group.
func NewToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call sandbox tools",
	}
	cmd.AddCommand(newToolsListCmd())
	cmd.AddCommand(newToolsCallCmd())
	return cmd
}

func newToolsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tools of the sandbox",
		Args:  cobra.NoArgs,
		RunE:  runToolsList,
	}
	cmd.Flags().String("format", "table", "Output format: table | json")
	return cmd
}

func runToolsList(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "table" && format != "json" {
		return exitError(exitValidation, "unknown format %q", format)
	}

	sb, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer closeSession(cmd, sb)

	tools, err := sb.ListTools(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "listing tools: %v", err)
	}

	if format == "json" {
		data, err := json.MarshalIndent(tools, "", "  ")
		if err != nil {
			return exitError(exitRuntime, "encoding tools: %v", err)
		}
		writeLine(cmd.OutOrStdout(), data)
		return nil
	}

	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "KEY\tSERVER\tTRANSPORT\tDESCRIPTION")
	for _, d := range tools {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", d.Key, d.Server, d.Transport, summary(d.Description))
	}
	return writer.Flush()
}

func newToolsCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <server> <tool> | call <server__tool>",
		Short: "Call one tool and print the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runToolsCall,
	}
	cmd.Flags().StringArray("input", nil, "Input KEY=VALUE pair (repeatable)")
	cmd.Flags().String("input-json", "", "Input object as JSON")
	cmd.Flags().String("task-id", "", "Task id passed to the call context")
	cmd.Flags().String("session-id", "", "Session id passed to the call context")
	return cmd
}

func runToolsCall(cmd *cobra.Command, args []string) error {
	req, err := callRequest(args)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	req.Params, err = parseInputs(cmd)
	if err != nil {
		return exitError(exitInputParse, "parsing inputs: %v", err)
	}

	sb, err := openSandbox(cmd)
	if err != nil {
		return err
	}
	defer closeSession(cmd, sb)

	taskID, _ := cmd.Flags().GetString("task-id")
	sessionID, _ := cmd.Flags().GetString("session-id")
	res := sb.caller.CallTool(cmd.Context(), []tool.CallRequest{req}, tool.CallContext{
		TaskID:    taskID,
		SessionID: sessionID,
	})[0]

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return exitError(exitRuntime, "encoding result: %v", err)
	}
	writeLine(cmd.OutOrStdout(), data)
	if !res.Success {
		return exitError(exitToolFailed, "%s failed: %s", req.Key(), res.Error)
	}
	return nil
}

func callRequest(args []string) (tool.CallRequest, error) {
	if len(args) == 2 {
		return tool.CallRequest{Server: args[0], Tool: args[1]}, nil
	}
	server, name, ok := tool.SplitName(args[0])
	if !ok {
		return tool.CallRequest{}, fmt.Errorf("%q is not a server__tool key", args[0])
	}
	return tool.CallRequest{Server: server, Tool: name}, nil
}

func summary(description string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(description), "\n")
	if len(line) > 80 {
		line = line[:77] + "..."
	}
	if line == "" {
		return "-"
	}
	return line
}

func parseKeyValue(value string) (string, string, error) {
	key, val, found := strings.Cut(value, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", errors.New("key is required")
	}
	if !found {
		return "", "", fmt.Errorf("value is required for %q", key)
	}
	return key, val, nil
}

// parseInputs merges --input pairs and --input-json. JSON keys win.
func parseInputs(cmd *cobra.Command) (map[string]any, error) {
	inputs := map[string]any{}
	rawPairs, _ := cmd.Flags().GetStringArray("input")
	for _, pair := range rawPairs {
		key, value, err := parseKeyValue(pair)
		if err != nil {
			return nil, err
		}
		inputs[key] = parsePrimitiveValue(value)
	}

	inputJSON, _ := cmd.Flags().GetString("input-json")
	if strings.TrimSpace(inputJSON) == "" {
		return inputs, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(inputJSON), &obj); err != nil {
		return nil, err
	}
	for key, value := range obj {
		inputs[key] = value
	}
	return inputs, nil
}

func parsePrimitiveValue(value string) any {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}

	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "\"") {
		var parsed any
		if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
			return parsed
		}
	}
	return value
}
