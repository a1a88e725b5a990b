package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"esg_report_studio/config"
	"esg_report_studio/generator"
)

var (
	rootCmd = &cobra.Command{
		Use:           "esg-report",
		Short:         "Draft ESG report outlines and stream the reports written from them",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	configPath string
	verbose    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logs")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(outlineCmd)
	rootCmd.AddCommand(reportCmd)
}

func setupLogging() {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildLLM(cfg *config.Config) (generator.LLMClient, error) {
	switch cfg.LLM.Provider {
	case config.ProviderMock:
		return generator.MockLLM{}, nil
	case config.ProviderOpenAI, config.ProviderDeepSeek:
		// DeepSeek is reached through its OpenAI-compatible endpoint.
		return generator.NewOpenAILLMFromConfig(&generator.LLMSettings{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
		})
	default:
		return nil, fmt.Errorf("llm provider %s not supported", cfg.LLM.Provider)
	}
}

func buildAgent(cfg *config.Config) (*generator.Agent, error) {
	llm, err := buildLLM(cfg)
	if err != nil {
		return nil, err
	}
	return generator.NewAgent(llm, slog.Default())
}
