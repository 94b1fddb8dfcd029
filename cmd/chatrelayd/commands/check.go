package commands

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/printer"
)

var checkAddr string

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe a running instance's health endpoint",
	Long: `Probe a running chatrelay instance and report its health.

Exits non-zero when the instance is unreachable, making it suitable as a
container HEALTHCHECK command. A 'degraded' status (replication down,
local-only mode) is reported as a warning but still exits zero: the instance
is serving its local clients.`,
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkAddr, "addr", "http://localhost:8000", "Base URL of the instance to probe")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(checkAddr + "/health")
	if err != nil {
		return printer.Error("instance unreachable at %s: %v", checkAddr, err)
	}
	defer resp.Body.Close()

	var health struct {
		Status     string `json:"status"`
		InstanceID string `json:"instance_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return printer.Error("malformed health response: %v", err)
	}

	switch health.Status {
	case "healthy":
		printer.Success("instance %s healthy\n", health.InstanceID)
	case "degraded":
		printer.Warning("instance %s degraded: replication down, serving local clients only\n", health.InstanceID)
	default:
		return printer.Error("instance %s reported status %q", health.InstanceID, health.Status)
	}

	return nil
}
