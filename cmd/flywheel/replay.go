package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/flywheelhq/flywheel/internal/ingest"
	"github.com/flywheelhq/flywheel/pkg/models"
	"github.com/flywheelhq/flywheel/pkg/server"
)

var (
	replayFile  string
	replayAgent string
	replayJSON  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Run recorded episodes through the learning cycle",
	Long: `replay loads episodes from a JSON, JSONL, or YAML file and processes
each one through the full learning cycle against the configured store.
Results are printed per episode.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		episodes, err := ingest.LoadEpisodes(replayFile)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		srv, err := server.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()

		var processed, committed, rolledBack, failed int
		for i := range episodes {
			if replayAgent != "" && episodes[i].AgentID != replayAgent {
				continue
			}
			result, err := srv.Orchestrator.ProcessEpisode(ctx, &episodes[i])
			processed++
			if err != nil {
				failed++
				fmt.Fprintf(os.Stderr, "episode %s: %v\n", episodes[i].Key(), err)
				continue
			}
			switch {
			case result.ChangesApplied == nil:
			case result.ChangesApplied.RolledBack:
				rolledBack++
			default:
				committed++
			}
			printResult(result)
		}

		fmt.Printf("\n%d processed, %d committed, %d rolled back, %d failed\n",
			processed, committed, rolledBack, failed)
		return nil
	},
}

func printResult(result *models.CycleResult) {
	if replayJSON {
		out, err := json.Marshal(result)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
			return
		}
		fmt.Println(string(out))
		return
	}

	outcome := "no-op"
	switch {
	case result.ChangesApplied == nil:
	case result.ChangesApplied.RolledBack:
		outcome = "rolled back"
	default:
		outcome = "committed"
	}
	fmt.Printf("%-40s focus=%-9s %s\n", result.EpisodeKey, result.FocusArea, outcome)
}

func init() {
	replayCmd.Flags().StringVarP(&replayFile, "file", "f", "", "episode file (.json, .jsonl, .yaml)")
	replayCmd.Flags().StringVar(&replayAgent, "agent", "", "only replay episodes for this agent")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print full cycle results as JSON")
	replayCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(replayCmd)
}
