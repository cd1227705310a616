package cmd

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/samsaffron/toolrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage toolrelay configuration",
	Long: `View or edit your toolrelay configuration.

Examples:
  toolrelay config          # show the effective configuration
  toolrelay config init     # write a starter config.yaml
  toolrelay config edit     # edit in $EDITOR`,
	RunE: configShow,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print configuration file path",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.GetConfigPath()
		if err != nil {
			return err
		}
		fmt.Println(path)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter config.yaml if none exists",
	RunE:  configInit,
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Edit configuration file in $EDITOR",
	RunE:  configEdit,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configPathCmd, configInitCmd, configEditCmd)
}

type providerView struct {
	Model       string `yaml:"model"`
	BaseURL     string `yaml:"base_url,omitempty"`
	Credentials string `yaml:"credentials"`
}

func newProviderView(pc config.ProviderConfig, envVar string) providerView {
	creds := "[set]"
	if pc.APIKey == "" {
		creds = "[NOT SET - export " + envVar + "]"
	}
	return providerView{Model: pc.Model, BaseURL: pc.BaseURL, Credentials: creds}
}

func configShow(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if config.Exists() {
		fmt.Printf("# %s\n\n", path)
	} else {
		fmt.Printf("# No config file (using defaults)\n")
		fmt.Printf("# Create one with: toolrelay config init\n\n")
	}

	dataDir, _ := cfg.GetDataDir()
	view := map[string]any{
		"provider":  cfg.Provider,
		"log_level": cfg.LogLevel,
		"data_dir":  dataDir,
		"chat": map[string]any{
			"max_turns":         cfg.Chat.MaxTurns,
			"max_output_tokens": cfg.Chat.MaxOutputTokens,
			"parallel_tools":    cfg.Chat.ParallelTools,
			"instructions":      cfg.Chat.Instructions,
		},
		"tools": map[string]any{
			"timeout": cfg.Tools.Timeout.String(),
			"weather": cfg.Tools.Weather,
		},
		"mcp": map[string]any{
			"config_path":    cfg.MCP.ConfigPath,
			"startup_grace":  cfg.MCP.StartupGrace.String(),
			"poll_interval":  cfg.MCP.PollInterval.String(),
			"reload_delay":   cfg.MCP.ReloadDelay.String(),
			"watch_debounce": cfg.MCP.WatchDebounce.String(),
		},
		"anthropic": newProviderView(cfg.Anthropic, "ANTHROPIC_API_KEY"),
		"openai":    newProviderView(cfg.OpenAI, "OPENAI_API_KEY"),
		"gemini":    newProviderView(cfg.Gemini, "GEMINI_API_KEY"),
	}
	out, err := yaml.Marshal(view)
	if err != nil {
		return err
	}
	fmt.Print(string(out))
	return nil
}

func configInit(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return err
	}
	if config.Exists() {
		fmt.Printf("%s already exists\n", path)
		return nil
	}
	if err := config.Save(cfg); err != nil {
		return err
	}
	fmt.Printf("Created %s\n", path)
	return nil
}

func configEdit(cmd *cobra.Command, args []string) error {
	path, err := config.GetConfigPath()
	if err != nil {
		return fmt.Errorf("failed to get config path: %w", err)
	}
	if !config.Exists() {
		if err := config.Save(cfg); err != nil {
			return err
		}
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		editor = "vi"
	}

	editorCmd := exec.Command(editor, path)
	editorCmd.Stdin = os.Stdin
	editorCmd.Stdout = os.Stdout
	editorCmd.Stderr = os.Stderr
	return editorCmd.Run()
}
