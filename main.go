// Package main provides the penf-capture entry point.
// penf-capture runs the meeting capture agent and inspects what it recorded.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/penf-capture/cmd"
	"github.com/otherjamesbrown/penf-capture/config"
	"github.com/otherjamesbrown/penf-capture/pkg/buildinfo"
)

// Global flags and state.
var (
	apiURL       string
	dataDir      string
	timeout      time.Duration
	outputFormat string
	logFormat    string
	debug        bool

	// cfg holds the loaded configuration.
	cfg *config.CaptureConfig
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "penf-capture",
	Short: "Penfold meeting capture agent",
	Long: `penf-capture records online meetings detected by the desktop capture SDK.

While a meeting runs the agent keeps its transcript and participants in
meetings.json, extracts evidence from the conversation as it happens, and
when the recording ends uploads the media and finalizes the interview with
the backend.

COMMON WORKFLOWS:
  Run the agent:      penf-capture run
  Replay SDK events:  penf-capture run --events session.ndjson
  Review meetings:    penf-capture meetings list  →  penf-capture meetings show <id>
  Check sign-in:      penf-capture auth status --verify`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip initialization for commands that don't need it.
		if cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		_, err := loadConfig()
		return err
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// loadConfig loads the configuration once and applies the global flags.
func loadConfig() (*config.CaptureConfig, error) {
	if cfg != nil {
		return cfg, nil
	}
	loaded, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	if err := applyGlobalFlags(loaded); err != nil {
		return nil, err
	}
	cfg = loaded
	return cfg, nil
}

// applyGlobalFlags overrides configuration with command-line flags.
func applyGlobalFlags(c *config.CaptureConfig) error {
	if apiURL != "" {
		c.APIURL = apiURL
	}
	if dataDir != "" {
		c.DataDir = dataDir
		c.ResolvePaths()
	}
	if timeout != 0 {
		c.Timeout = timeout
	}
	if outputFormat != "" {
		c.OutputFormat = config.OutputFormat(outputFormat)
	}
	if logFormat != "" {
		c.Log.Format = logFormat
	}
	if debug {
		c.Debug = true
	}
	return c.Validate()
}

// versionCmd prints build information.
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE: func(cmd *cobra.Command, args []string) error {
		return printVersion(cmd.OutOrStdout(), config.OutputFormat(outputFormat))
	},
}

func printVersion(w io.Writer, format config.OutputFormat) error {
	info := buildinfo.Get()
	switch format {
	case config.OutputFormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case config.OutputFormatYAML:
		return yaml.NewEncoder(w).Encode(info)
	}
	fmt.Fprintf(w, "%s %s\n", info.Product, info.Version)
	fmt.Fprintf(w, "  Commit:   %s\n", info.Commit)
	fmt.Fprintf(w, "  Built:    %s\n", info.BuildTime)
	fmt.Fprintf(w, "  Go:       %s\n", info.GoVersion)
	fmt.Fprintf(w, "  Platform: %s\n", info.Platform)
	return nil
}

// configCmd manages agent configuration.
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage agent configuration",
	Long:  `View and initialize the penf-capture configuration file.`,
}

// configShowCmd displays the effective configuration.
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Long: `Display the effective configuration after the config file, PENF_*
environment variables and flags are applied. The output is valid capture.yaml.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := loadConfig()
		if err != nil {
			return err
		}
		return showConfig(cmd.OutOrStdout(), c)
	},
}

// showConfig writes c as YAML with secrets removed.
func showConfig(w io.Writer, c *config.CaptureConfig) error {
	redacted := *c
	if redacted.Redis.Password != "" {
		redacted.Redis.Password = "********"
	}
	path, _ := config.ConfigPath()
	fmt.Fprintf(w, "# %s\n", path)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&redacted)
}

// configInitCmd initializes configuration.
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a new configuration file with default values if one doesn't exist.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initConfig(cmd.OutOrStdout())
	},
}

func initConfig(w io.Writer) error {
	configPath, err := config.ConfigPath()
	if err != nil {
		return fmt.Errorf("getting config path: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(w, "Configuration file already exists: %s\n", configPath)
		fmt.Fprintln(w, "Use 'penf-capture config show' to view current settings.")
		return nil
	}

	defaultCfg := config.DefaultConfig()
	if err := config.SaveConfig(defaultCfg); err != nil {
		return fmt.Errorf("saving configuration: %w", err)
	}

	fmt.Fprintf(w, "Created configuration file: %s\n", configPath)
	fmt.Fprintln(w, "\nDefault settings:")
	fmt.Fprintf(w, "  API URL:       %s\n", defaultCfg.APIURL)
	fmt.Fprintf(w, "  Data dir:      %s\n", defaultCfg.DataDir)
	fmt.Fprintf(w, "  Bridge listen: %s\n", defaultCfg.BridgeListen)
	return nil
}

// completionCmd generates shell completion scripts.
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion scripts",
	Long: `Generate shell completion scripts for penf-capture.

Bash:
  $ source <(penf-capture completion bash)

Zsh:
  $ penf-capture completion zsh > "${fpath[1]}/_penf-capture"

Fish:
  $ penf-capture completion fish | source

PowerShell:
  PS> penf-capture completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		switch args[0] {
		case "bash":
			return rootCmd.GenBashCompletion(out)
		case "zsh":
			return rootCmd.GenZshCompletion(out)
		case "fish":
			return rootCmd.GenFishCompletion(out, true)
		case "powershell":
			return rootCmd.GenPowerShellCompletionWithDesc(out)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Directory holding meetings.json (overrides config)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Backend request timeout (overrides config)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "", "Default output format: text, json, yaml")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: auto, console, json")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddGroup(
		&cobra.Group{ID: "capture", Title: "Capture Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	deps := &cmd.CommandDeps{LoadConfig: loadConfig}

	runCmd := cmd.NewRunCommand(deps)
	runCmd.GroupID = "capture"
	rootCmd.AddCommand(runCmd)

	meetingsCmd := cmd.NewMeetingsCommand(deps)
	meetingsCmd.GroupID = "capture"
	rootCmd.AddCommand(meetingsCmd)

	authCmd := cmd.NewAuthCommand(deps)
	authCmd.GroupID = "setup"
	rootCmd.AddCommand(authCmd)

	configCmd.GroupID = "setup"
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)

	completionCmd.GroupID = "setup"
	rootCmd.AddCommand(completionCmd)

	versionCmd.GroupID = "setup"
	rootCmd.AddCommand(versionCmd)
}

func main() {
	// Cancel on interrupt so the agent can finish in-flight uploads.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}
