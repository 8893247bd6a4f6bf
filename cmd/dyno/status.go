// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Dyno Contributors

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway status",
		Long:  "Check the running gateway's health endpoint and display status information.",
		RunE:  runStatus,
	}

	cmd.Flags().String("address", "127.0.0.1:8765", "gateway address to check")

	return cmd
}

func runStatus(cmd *cobra.Command, _ []string) error {
	addr, _ := cmd.Flags().GetString("address")
	out := cmd.OutOrStdout()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(out, "Gateway at %s is not running (%v)\n", addr, err)
		return nil
	}
	defer resp.Body.Close()

	var body struct {
		Status              string `json:"status"`
		Uptime              int    `json:"uptime"`
		ActiveConnections   int    `json:"activeConnections"`
		ActiveTasks         int    `json:"activeTasks"`
		ActiveChildSessions int    `json:"activeChildSessions"`
		Tools               []struct {
			Name string `json:"name"`
			Mode string `json:"mode"`
		} `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		_, _ = fmt.Fprintf(out, "Gateway at %s: unreadable response (%v)\n", addr, err)
		return nil
	}

	_, _ = fmt.Fprintf(out, "Gateway at %s: %s\n", addr, body.Status)
	_, _ = fmt.Fprintf(out, "  uptime:          %ds\n", body.Uptime)
	_, _ = fmt.Fprintf(out, "  connections:     %d\n", body.ActiveConnections)
	_, _ = fmt.Fprintf(out, "  active tasks:    %d\n", body.ActiveTasks)
	_, _ = fmt.Fprintf(out, "  child sessions:  %d\n", body.ActiveChildSessions)
	_, _ = fmt.Fprintf(out, "  capabilities:    %d\n", len(body.Tools))
	return nil
}
