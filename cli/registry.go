package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/petal-labs/sandbox"
	"github.com/petal-labs/sandbox/registry"
	"github.com/petal-labs/sandbox/tool"
)

// NewRegistryCmd creates the "registry" command group. Every subcommand
// works on the --registry reference.
func NewRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Search and seed a tool registry",
	}
	cmd.AddCommand(newRegistrySearchCmd())
	cmd.AddCommand(newRegistryListCmd())
	cmd.AddCommand(newRegistryPutCmd())
	return cmd
}

func newRegistrySearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search",
		Short: "Find registry entries by tool or server name",
		Args:  cobra.NoArgs,
		RunE:  runRegistrySearch,
	}
	cmd.Flags().StringArray("tool", nil, "Tool name to look up (repeatable)")
	cmd.Flags().StringArray("name", nil, "Server name to look up (repeatable)")
	cmd.Flags().Bool("all-versions", false, "Show every version instead of the latest")
	return cmd
}

func runRegistrySearch(cmd *cobra.Command, _ []string) error {
	tools, _ := cmd.Flags().GetStringArray("tool")
	names, _ := cmd.Flags().GetStringArray("name")
	if len(tools) == 0 && len(names) == 0 {
		return exitError(exitValidation, "--tool or --name is required")
	}

	source, closeSource, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeSource()

	entities, err := source.Search(cmd.Context(), registry.Query{Tools: tools, Names: names})
	if err != nil {
		return exitError(exitRuntime, "searching registry: %v", err)
	}
	if all, _ := cmd.Flags().GetBool("all-versions"); !all {
		entities = registry.Latest(entities)
	}
	return printEntities(cmd, entities)
}

func newRegistryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every entry of a file or SQLite registry",
		Args:  cobra.NoArgs,
		RunE:  runRegistryList,
	}
}

type entityLister interface {
	List(ctx context.Context) ([]registry.Entity, error)
}

func runRegistryList(cmd *cobra.Command, _ []string) error {
	source, closeSource, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeSource()

	lister, ok := source.(entityLister)
	if !ok {
		return exitError(exitValidation, "registry %T cannot be listed", source)
	}
	entities, err := lister.List(cmd.Context())
	if err != nil {
		return exitError(exitRuntime, "listing registry: %v", err)
	}
	return printEntities(cmd, entities)
}

func newRegistryPutCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "put [name]",
		Short: "Store a server definition in a file or SQLite registry",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRegistryPut,
	}
	cmd.Flags().String("file", "", "Entity document (JSON or YAML)")
	cmd.Flags().String("version", "", "Entity version")
	cmd.Flags().String("type", "", "Server transport: stdio | sse | streamable-http | api")
	cmd.Flags().String("command", "", "Command for stdio servers")
	cmd.Flags().StringArray("arg", nil, "Command argument (repeatable)")
	cmd.Flags().String("url", "", "URL for remote servers")
	cmd.Flags().StringArray("tool", nil, "Tool exposed by the server (repeatable)")
	return cmd
}

func runRegistryPut(cmd *cobra.Command, args []string) error {
	entity, err := entityFromFlags(cmd, args)
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if err := entity.Definition().Validate(); err != nil {
		return exitError(exitValidation, "%v", err)
	}

	source, closeSource, err := openRegistry(cmd)
	if err != nil {
		return err
	}
	defer closeSource()

	writer, ok := source.(registry.Writer)
	if !ok {
		return exitError(exitValidation, "registry %T is read-only", source)
	}
	if err := writer.Put(cmd.Context(), entity); err != nil {
		return exitError(exitRuntime, "storing entity: %v", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored %s (version=%s, transport=%s)\n",
		entity.Name, display(entity.Version), entity.Definition().Transport())
	return nil
}

func entityFromFlags(cmd *cobra.Command, args []string) (registry.Entity, error) {
	var entity registry.Entity
	if path, _ := cmd.Flags().GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return entity, err
		}
		// YAML is a superset of JSON; decode generically then reuse the
		// JSON field names.
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return entity, fmt.Errorf("decode %s: %w", path, err)
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return entity, fmt.Errorf("decode %s: %w", path, err)
		}
		if err := json.Unmarshal(raw, &entity); err != nil {
			return entity, fmt.Errorf("decode %s: %w", path, err)
		}
	}

	if len(args) == 1 {
		entity.Name = args[0]
	}
	if v, _ := cmd.Flags().GetString("version"); v != "" {
		entity.Version = v
	}
	if v, _ := cmd.Flags().GetString("type"); v != "" {
		entity.Data.Type = tool.TransportType(v)
	}
	if v, _ := cmd.Flags().GetString("command"); v != "" {
		entity.Data.Command = v
	}
	if v, _ := cmd.Flags().GetStringArray("arg"); len(v) > 0 {
		entity.Data.Args = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		entity.Data.URL = v
	}
	if v, _ := cmd.Flags().GetStringArray("tool"); len(v) > 0 {
		entity.Tools = v
	}
	if strings.TrimSpace(entity.Name) == "" {
		return entity, fmt.Errorf("entity name is required")
	}
	if entity.EntityType == "" {
		entity.EntityType = registry.EntityTypeTool
	}
	if entity.Status == "" {
		entity.Status = registry.StatusActive
	}
	return entity, nil
}

func openRegistry(cmd *cobra.Command) (registry.Source, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	ref := cfg.RegistryURL
	if ref == "" {
		ref = os.Getenv(sandbox.EnvRegistryURL)
	}
	if ref == "" {
		return nil, nil, exitError(exitValidation, "--registry is required")
	}
	source, closer, err := registry.Open(ref)
	if err != nil {
		return nil, nil, exitError(exitRuntime, "opening registry %s: %v", ref, err)
	}
	return source, func() {
		if err := closer.Close(); err != nil {
			newLogger(cmd).Warn("closing registry failed", "registry", ref, "error", err)
		}
	}, nil
}

func printEntities(cmd *cobra.Command, entities []registry.Entity) error {
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tVERSION\tTRANSPORT\tTOOLS\tSTATUS")
	for _, e := range entities {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
			e.Name,
			display(e.Version),
			display(string(e.Definition().Transport())),
			display(strings.Join(e.Tools, ",")),
			display(e.Status),
		)
	}
	return writer.Flush()
}

func display(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}
