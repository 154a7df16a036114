package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rickgao/shardgate/internal/api"
	"github.com/rickgao/shardgate/internal/config"
)

// infoCmd prints the bootstrap information for the configured token
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show gateway URL, recommended shards and session start limit",
	RunE:  runInfo,
}

func runInfo(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout*time.Duration(cfg.API.MaxRetries+1))
	defer cancel()

	rest := api.NewClient(cfg.API.RestURL, cfg.API.Token,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, cfg.API.RetryBackoff),
		api.WithLogger(logger),
	)
	bot, err := rest.GetGatewayBot(ctx)
	if err != nil {
		return err
	}
	url, err := api.GatewayURL(bot.URL, cfg.API.Version)
	if err != nil {
		return err
	}

	limit := bot.SessionStartLimit
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "gateway url:        %s\n", url)
	fmt.Fprintf(out, "recommended shards: %d\n", bot.Shards)
	fmt.Fprintf(out, "session starts:     %d/%d remaining, resets in %s\n",
		limit.Remaining, limit.Total, limit.ResetIn().Round(time.Second))
	fmt.Fprintf(out, "max concurrency:    %d\n", limit.MaxConcurrency)
	return nil
}
