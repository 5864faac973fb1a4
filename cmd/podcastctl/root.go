package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const defaultAPIURL = "http://localhost:8080"

type commandContext struct {
	apiURL  string
	timeout time.Duration
	asJSON  bool
}

func (c *commandContext) client() *apiClient {
	return newAPIClient(c.apiURL, c.timeout)
}

func newRootCommand() *cobra.Command {
	_ = godotenv.Load()
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "podcastctl",
		Short:         "Operate the podcast generation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	apiDefault := os.Getenv("PODCAST_API_URL")
	if apiDefault == "" {
		apiDefault = defaultAPIURL
	}
	rootCmd.PersistentFlags().StringVar(&ctx.apiURL, "api", apiDefault, "Base URL of the pipeline API (env PODCAST_API_URL)")
	rootCmd.PersistentFlags().DurationVar(&ctx.timeout, "timeout", 30*time.Second, "HTTP request timeout")
	rootCmd.PersistentFlags().BoolVar(&ctx.asJSON, "json", false, "Print raw JSON responses")

	rootCmd.AddCommand(newCreateCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newDecideCommand(ctx))
	rootCmd.AddCommand(newCancelCommand(ctx))
	rootCmd.AddCommand(newRetryCommand(ctx))
	rootCmd.AddCommand(newDLQCommand(ctx))
	rootCmd.AddCommand(newSweepCommand(ctx))
	rootCmd.AddCommand(newReconcileCommand(ctx))
	return rootCmd
}
