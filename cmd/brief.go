package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/marketbrief/marketbrief/config"
	core "github.com/marketbrief/marketbrief/internal/agent/core"
	"github.com/marketbrief/marketbrief/internal/agent/telemetry"
	srv "github.com/marketbrief/marketbrief/internal/server"
)

func briefCMD() *cobra.Command {
	var cfgPath string
	var deadline time.Duration
	var brief = &cobra.Command{
		Use:   "brief [query]",
		Short: "Run a single market brief and print the narrative",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			tele := telemetry.NewTelemetry(cfg.Telemetry)
			orch, _, err := srv.BuildOrchestrator(cfg, tele)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), deadline+time.Second)
			defer cancel()
			query := strings.Join(args, " ")
			req := core.BriefRequest{
				Query:    query,
				Mode:     "text",
				Deadline: time.Now().Add(deadline),
			}
			result, _, runErr := orch.Run(ctx, req)
			if runErr != nil {
				return runErr
			}
			fmt.Printf("[%s] %s\n\n%s\n", result.Status, result.ID, result.Text)
			if len(result.FailedAgents) > 0 {
				fmt.Printf("\nfailed agents: %v\n", result.FailedAgents)
			}
			return nil
		},
	}
	brief.Flags().DurationVar(&deadline, "deadline", 10*time.Second, "overall run deadline")
	brief.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return brief
}
