package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/sandbox"
	sandboxotel "github.com/petal-labs/sandbox/otel"
)

const instrumentationName = "github.com/petal-labs/sandbox"

// NewRootCmd builds the sandbox command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "sandbox",
		Short: "Tool sandbox CLI",
		Long:  "sandbox lists and calls the tools of a sandbox configuration: MCP servers, registry entries and the built-in filesystem and terminal services.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage: true,
		Version:      version,
	}
	AddPersistentFlags(root)

	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewConfigCmd())
	root.AddCommand(NewRegistryCmd())
	root.AddCommand(NewFSCmd())
	root.AddCommand(NewExecCmd())
	return root
}

// AddPersistentFlags registers the flags shared by every command.
func AddPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringP("config", "c", "", "Sandbox config file (YAML or JSON)")
	flags.Bool("verbose", false, "Enable verbose/debug logging")
	flags.Bool("quiet", false, "Suppress all output except errors")
	flags.String("env-type", string(sandbox.EnvLocal), "Sandbox type: local | remote")
	flags.String("mode", "", "Built-in routing mode: local | remote (overrides config)")
	flags.StringArray("workspace", nil, "Directory available to the built-in services (repeatable)")
	flags.String("registry", "", "Registry reference: http(s) URL, SQLite database or JSON file")
	flags.String("otlp-endpoint", "", "Export traces over OTLP/HTTP to this endpoint")
}

// newLogger returns a text logger on the command's stderr honouring
// --verbose and --quiet.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

// loadConfig reads --config and applies the flag overrides.
func loadConfig(cmd *cobra.Command) (sandbox.Config, error) {
	var cfg sandbox.Config
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := sandbox.LoadConfigFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return cfg, exitError(exitNotFound, "%v", err)
			}
			return cfg, exitError(exitValidation, "%v", err)
		}
		cfg = loaded
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		cfg.Mode = sandbox.Mode(mode)
	}
	if dirs, _ := cmd.Flags().GetStringArray("workspace"); len(dirs) > 0 {
		cfg.Workspace = dirs
	}
	if ref, _ := cmd.Flags().GetString("registry"); ref != "" {
		cfg.RegistryURL = ref
	}
	return cfg, nil
}

// session is a sandbox opened for one command, plus what must be flushed
// when the command ends.
type session struct {
	sandbox.Sandbox
	caller   sandboxotel.Caller
	shutdown func(context.Context) error
}

func (s *session) Close(ctx context.Context) error {
	err := s.Sandbox.Close(ctx)
	if s.shutdown != nil {
		err = errors.Join(err, s.shutdown(ctx))
	}
	return err
}

// openSandbox builds the sandbox described by the flags. With
// --otlp-endpoint, calls are traced and tool metrics are recorded on the
// global meter provider.
func openSandbox(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd)
	opts := []sandbox.Option{sandbox.WithConfig(cfg), sandbox.WithLogger(logger)}

	s := &session{}
	var tracer trace.Tracer
	if endpoint, _ := cmd.Flags().GetString("otlp-endpoint"); endpoint != "" {
		tp, err := sandboxotel.NewTracerProvider(cmd.Context(), endpoint, "sandbox")
		if err != nil {
			return nil, exitError(exitRuntime, "%v", err)
		}
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(instrumentationName)
		observer, err := sandboxotel.NewToolObserver(otel.GetMeterProvider().Meter(instrumentationName), tracer)
		if err != nil {
			_ = tp.Shutdown(cmd.Context())
			return nil, exitError(exitRuntime, "creating tool observer: %v", err)
		}
		opts = append(opts, sandbox.WithObserver(observer))
		s.shutdown = tp.Shutdown
	}

	envType, _ := cmd.Flags().GetString("env-type")
	sb, err := sandbox.NewSandbox(cmd.Context(), sandbox.EnvType(envType), opts...)
	if err != nil {
		if s.shutdown != nil {
			_ = s.shutdown(cmd.Context())
		}
		if errors.Is(err, sandbox.ErrUnknownEnvType) {
			return nil, exitError(exitValidation, "%v", err)
		}
		return nil, exitError(exitRuntime, "creating sandbox: %v", err)
	}
	s.Sandbox = sb
	s.caller = sb
	if tracer != nil {
		s.caller = sandboxotel.NewTracingCaller(sb, tracer)
	}
	return s, nil
}

func closeSession(cmd *cobra.Command, s *session) {
	if err := s.Close(context.WithoutCancel(cmd.Context())); err != nil {
		newLogger(cmd).Warn("closing sandbox failed", "error", err)
	}
}

func writeLine(w io.Writer, data []byte) {
	_, _ = w.Write(append(data, '\n'))
}
