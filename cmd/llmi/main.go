package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/llmi/llmi/internal/config"
	"github.com/llmi/llmi/internal/llm/lorem"
	"github.com/llmi/llmi/internal/llm/openai"
	"github.com/llmi/llmi/internal/logger"
)

// version is the CLI build version.
const version = "0.1.0"

// loremEndpoint is the nominal URL requests are addressed to when the lorem
// provider serves them in-process.
const loremEndpoint = "http://lorem.local/v1"

// options holds all CLI flags.
type options struct {
	// ConfigPath points at an explicit config file.
	ConfigPath string
	// DebugFile writes logs to a file path instead of the state directory.
	DebugFile string
	// DisableSlashCommands disables slash-command parsing.
	DisableSlashCommands bool
	// Endpoint overrides the configured gateway URL.
	Endpoint string
	// MaxTokens overrides the configured reply cap.
	MaxTokens int
	// Model overrides the default model selection.
	Model string
	// NoTUI reads prompts line by line even on a terminal.
	NoTUI bool
	// OutputFormat controls print mode output encoding.
	OutputFormat string
	// Print sends one prompt, prints the reply and exits.
	Print bool
	// Provider overrides the configured provider.
	Provider string
	// Verbose mirrors logs to stderr outside the TUI.
	Verbose bool
	// Version prints the CLI version.
	Version bool
}

// main wires Cobra and executes the CLI.
func main() {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:          "llmi [prompt]",
		Short:        "llmi - streaming chat client for OpenAI-compatible gateways",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Version {
				fmt.Fprintln(cmd.OutOrStdout(), version)
				return nil
			}
			return runRoot(cmd, opts, args)
		},
	}
	rootCmd.Args = cobra.ArbitraryArgs

	applyFlags(rootCmd.Flags(), opts)

	rootCmd.AddCommand(doctorCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// applyFlags defines all CLI flags.
func applyFlags(flags *pflag.FlagSet, opts *options) {
	flags.SetNormalizeFunc(normalizeFlagName)

	flags.StringVar(&opts.ConfigPath, "config", "", "Config file (default: discovered under the XDG config directory)")
	flags.StringVar(&opts.DebugFile, "debug-file", "", "Write logs to a file")
	flags.BoolVar(&opts.DisableSlashCommands, "disable-slash-commands", false, "Disable slash commands")
	flags.StringVar(&opts.Endpoint, "endpoint", "", "Gateway base URL or chat/completions URL")
	flags.IntVar(&opts.MaxTokens, "max-tokens", 0, "Maximum tokens per reply")
	flags.StringVar(&opts.Model, "model", "", "Model for the current session")
	flags.BoolVar(&opts.NoTUI, "no-tui", false, "Read prompts line by line instead of the full-screen UI")
	flags.StringVar(&opts.OutputFormat, "output-format", outputText, "Output format with --print (text|stream-json)")
	flags.BoolVarP(&opts.Print, "print", "p", false, "Print response and exit")
	flags.StringVar(&opts.Provider, "provider", "", "Provider (openai|lorem)")
	flags.BoolVar(&opts.Verbose, "verbose", false, "Verbose output")
	flags.BoolVarP(&opts.Version, "version", "v", false, "Output the version number")
}

// normalizeFlagName maps underscored and camel-case spellings to dashed names.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "maxTokens", "max_tokens":
		return "max-tokens"
	case "debugFile", "debug_file":
		return "debug-file"
	case "noTui", "no_tui":
		return "no-tui"
	case "outputFormat", "output_format":
		return "output-format"
	default:
		return pflag.NormalizedName(name)
	}
}

// validateOptions rejects flag combinations that cannot work together.
func validateOptions(opts *options) error {
	if opts.Print && opts.NoTUI {
		return errors.New("--no-tui only works without --print")
	}
	switch opts.OutputFormat {
	case "", outputText:
	case outputStreamJSON:
		if !opts.Print {
			return errors.New("--output-format only works with --print")
		}
	default:
		return fmt.Errorf("--output-format must be %s or %s, got %q", outputText, outputStreamJSON, opts.OutputFormat)
	}
	if opts.MaxTokens < 0 {
		return fmt.Errorf("--max-tokens must not be negative, got %d", opts.MaxTokens)
	}
	switch strings.ToLower(opts.Provider) {
	case "", config.ProviderOpenAI, config.ProviderLorem:
	default:
		return fmt.Errorf("--provider must be %s or %s, got %q", config.ProviderOpenAI, config.ProviderLorem, opts.Provider)
	}
	return nil
}

// flagOverrides converts set flags into config overrides.
func flagOverrides(opts *options) map[string]any {
	overrides := make(map[string]any)
	if opts.Provider != "" {
		overrides["provider"] = strings.ToLower(opts.Provider)
	}
	if opts.Endpoint != "" {
		overrides["endpoint"] = opts.Endpoint
	}
	if opts.MaxTokens > 0 {
		overrides["max_tokens"] = opts.MaxTokens
	}
	return overrides
}

// doctorCommand validates provider configuration and permissions.
func doctorCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check llmi configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(config.LoadOptions{ConfigPath: configPath})
			if err != nil {
				return fmt.Errorf("provider config invalid: %w", err)
			}
			out := cmd.OutOrStdout()
			if cfg.Source == "" {
				fmt.Fprintf(out, "No config file under %s; using environment only\n", config.DefaultConfigDir())
			} else {
				info, err := os.Stat(cfg.Source)
				if err != nil {
					return fmt.Errorf("stat provider config: %w", err)
				}
				mode := info.Mode().Perm()
				if cfg.APIKey != "" && mode&0o077 != 0 {
					return fmt.Errorf("provider config permissions too open: %s", mode)
				}
				fmt.Fprintf(out, "Config: %s\n", cfg.Source)
			}
			fmt.Fprintf(out, "Provider: %s\n", cfg.Provider)
			if cfg.Provider == config.ProviderOpenAI {
				fmt.Fprintf(out, "Endpoint: %s\n", cfg.Endpoint)
			}
			fmt.Fprintf(out, "Model: %s\n", config.ResolveModel(cfg, ""))
			fmt.Fprintln(out, "OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "Config file to check")
	return cmd
}

// runRoot orchestrates config loading, client setup and mode dispatch.
func runRoot(cmd *cobra.Command, opts *options, args []string) error {
	if err := validateOptions(opts); err != nil {
		return err
	}

	interactive := !opts.Print && !opts.NoTUI && isTerminal()
	log, closer, err := logger.New(logger.Options{
		Path: opts.DebugFile,
		// The TUI owns the terminal; mirroring logs there would garble it.
		Verbose: opts.Verbose && !interactive,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	providerCfg, err := config.Load(config.LoadOptions{
		ConfigPath: opts.ConfigPath,
		Overrides:  flagOverrides(opts),
	})
	if err != nil {
		return fmt.Errorf("load provider config: %w", err)
	}
	model := config.ResolveModel(providerCfg, opts.Model)
	log.Info().
		Str("provider", providerCfg.Provider).
		Str("model", model).
		Str("config", providerCfg.Source).
		Msg("starting")

	client := buildClient(providerCfg, model, log)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	// Dispatch to print, line or full-screen mode.
	switch {
	case opts.Print:
		prompt, err := readPrompt(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		sink := newPrintSink(opts.OutputFormat, model, cmd.OutOrStdout(), cmd.ErrOrStderr())
		return runPrintMode(ctx, client, prompt, sink, log)
	case interactive:
		return runTUI(ctx, opts, client, providerCfg.Provider, model, log)
	default:
		return runLineMode(ctx, opts, client, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), log)
	}
}

// buildClient constructs the completion client for the resolved config. The
// lorem provider plugs in as the client's transport.
func buildClient(cfg *config.ProviderConfig, model string, log zerolog.Logger) *openai.Client {
	clientOpts := openai.Options{
		Endpoint:  cfg.Endpoint,
		APIKey:    cfg.APIKey,
		Model:     model,
		MaxTokens: cfg.MaxTokens,
		Timeout:   cfg.Timeout(),
		Logger:    log,
	}
	if cfg.Provider == config.ProviderLorem {
		clientOpts.Transport = lorem.NewTransport(lorem.Options{Logger: log})
		if clientOpts.Endpoint == "" {
			clientOpts.Endpoint = loremEndpoint
		}
	}
	return openai.NewClient(clientOpts)
}

// readPrompt joins positional arguments, falling back to all of stdin.
func readPrompt(args []string, stdin io.Reader) (string, error) {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		input, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		prompt = strings.TrimSpace(string(input))
	}
	if prompt == "" {
		return "", errors.New("prompt is required")
	}
	return prompt, nil
}

// isTerminal reports whether stdin and stdout are both terminals.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}
