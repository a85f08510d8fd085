// Package cmd implements the grimoire CLI: validate, execute, browse,
// list and serve subcommands over a filesystem game system package.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/grimoire-rpg/grimoire/internal/telemetry"
	"github.com/grimoire-rpg/grimoire/runtime"
	"github.com/grimoire-rpg/grimoire/services/dice"
	"github.com/grimoire-rpg/grimoire/services/llm"
	"github.com/grimoire-rpg/grimoire/services/namegen"
	"github.com/grimoire-rpg/grimoire/system"
	"github.com/grimoire-rpg/grimoire/template"
)

// version is injected at build time via ldflags.
var version = "dev"

var (
	cfgFile string
	verbose bool
	quiet   bool

	cfg    *viper.Viper
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "grimoire",
	Short: "A data-driven engine for tabletop RPG systems",
	Long: `Grimoire loads a game system defined entirely in YAML — models,
compendiums, random tables, prompts and flows — and runs its flows:
dice rolls, table lookups, player choices and LLM generation steps.

Getting started:
  grimoire validate ./examples/fantasy     check a system package
  grimoire browse ./examples/fantasy       see what it contains
  grimoire execute ./examples/fantasy --flow create_character

Configuration lives in ./grimoire.yaml or ~/.grimoire/grimoire.yaml
and can be overridden with GRIMOIRE_* environment variables.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger = newLogger()
		slog.SetDefault(logger)
		if err := initConfig(); err != nil {
			return err
		}
		if err := telemetry.Init(cmd.Context(), "grimoire", version); err != nil {
			logger.Warn("telemetry disabled", "error", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		telemetry.Shutdown(ctx)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("grimoire %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./grimoire.yaml or ~/.grimoire/grimoire.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "errors only")
	rootCmd.AddCommand(versionCmd)
}

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch {
	case quiet:
		level = slog.LevelError
	case verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func initConfig() error {
	cfg = viper.New()
	if cfgFile != "" {
		cfg.SetConfigFile(cfgFile)
	} else {
		cfg.SetConfigName("grimoire")
		cfg.SetConfigType("yaml")
		cfg.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			cfg.AddConfigPath(filepath.Join(home, ".grimoire"))
		}
	}
	cfg.SetEnvPrefix("GRIMOIRE")
	cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	cfg.AutomaticEnv()

	if err := cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) && cfgFile == "" {
			return nil
		}
		return fmt.Errorf("reading config: %w", err)
	}
	logger.Debug("config loaded", "file", cfg.ConfigFileUsed())
	return nil
}

// settingsFor returns one config subtree as a raw map ready for the
// services' declarative settings structs.
func settingsFor(key string) map[string]any {
	if cfg == nil {
		return nil
	}
	return cfg.GetStringMap(key)
}

// loadSystem reads and validates a system package from disk.
func loadSystem(path string) (*system.System, error) {
	loader := system.NewLoader(logger)
	return loader.Load(path)
}

// buildEngine assembles the engine with every configured service. A
// provider that cannot be constructed (usually a missing API key) is
// skipped with a debug log; flows that never reach an llm_generation
// step do not need one.
func buildEngine(sys *system.System) (*runtime.Engine, error) {
	diceSvc, err := dice.New(logger, settingsFor("dice"))
	if err != nil {
		return nil, err
	}

	llmSvc, err := llm.NewService(logger, settingsFor("llm"))
	if err != nil {
		return nil, err
	}
	registerProviders(llmSvc)

	seed := cfg.GetInt64("namegen.seed")
	deps := &runtime.Deps{
		Logger: logger,
		Dice:   diceSvc,
		LLM:    llmSvc,
		Names:  namegen.New(logger, seed),
	}
	if t := cfg.GetDuration("call_timeout"); t > 0 {
		deps.CallTimeout = t
	}
	return runtime.NewEngine(sys, deps, template.New(logger)), nil
}

func registerProviders(svc *llm.Service) {
	if p, err := llm.NewOpenAIProvider(llm.OpenAISettings{
		APIKey:  cfg.GetString("llm.openai.api_key"),
		BaseURL: cfg.GetString("llm.openai.base_url"),
		Model:   cfg.GetString("llm.openai.model"),
	}); err == nil {
		svc.Register(p)
	} else {
		logger.Debug("openai provider not registered", "error", err)
	}

	if p, err := llm.NewAnthropicProvider(llm.AnthropicSettings{
		APIKey: cfg.GetString("llm.anthropic.api_key"),
		Model:  cfg.GetString("llm.anthropic.model"),
	}); err == nil {
		svc.Register(p)
	} else {
		logger.Debug("anthropic provider not registered", "error", err)
	}

	if compat := settingsFor("llm.compat"); len(compat) > 0 {
		if p, err := llm.NewCompatProvider(compat); err == nil {
			svc.Register(p)
		} else {
			logger.Warn("compat provider not registered", "error", err)
		}
	}
}

func Execute() {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, renderFail("error: ")+err.Error())
		os.Exit(1)
	}
}
