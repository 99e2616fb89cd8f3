package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/flywheelhq/flywheel/pkg/models"
)

var (
	progressServer string
	progressAgent  string
	progressKey    string
)

var progressCmd = &cobra.Command{
	Use:   "progress",
	Short: "Show per-agent learning counters",
	Long: `progress queries a running engine for its learning counters:
cycles completed, committed vs rolled-back adaptations, and the current
context and dataset versions.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		url := progressServer + "/api/v1/progress"
		if progressAgent != "" {
			url = progressServer + "/api/v1/agents/" + progressAgent + "/progress"
		}

		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if progressKey != "" {
			req.Header.Set("Authorization", "Bearer "+progressKey)
		}

		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("query %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("query %s: status %s", url, resp.Status)
		}

		var all []models.LearningProgress
		if progressAgent != "" {
			var one models.LearningProgress
			if err := json.NewDecoder(resp.Body).Decode(&one); err != nil {
				return err
			}
			all = []models.LearningProgress{one}
		} else if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
			return err
		}

		if len(all) == 0 {
			fmt.Println("no agents processed yet")
			return nil
		}
		fmt.Printf("%-20s %8s %9s %11s %6s %6s %6s %8s %8s\n",
			"AGENT", "CYCLES", "COMMITTED", "ROLLED BACK", "NO-OP", "DUPES", "FAILED", "CTX VER", "DATASET")
		for _, p := range all {
			fmt.Printf("%-20s %8d %9d %11d %6d %6d %6d %8d %8d\n",
				p.AgentID, p.CyclesCompleted, p.Committed, p.RolledBack,
				p.NoOp, p.Duplicates, p.Failed, p.ContextVersion, p.SelfLearningSize)
		}
		return nil
	},
}

func init() {
	progressCmd.Flags().StringVar(&progressServer, "server", "http://localhost:8080", "engine base URL")
	progressCmd.Flags().StringVar(&progressAgent, "agent", "", "show a single agent")
	progressCmd.Flags().StringVar(&progressKey, "api-key", "", "API key for an auth-enabled engine")
	rootCmd.AddCommand(progressCmd)
}
