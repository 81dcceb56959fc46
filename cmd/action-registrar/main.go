// Rebooter is a remote hardware-recovery controller for a fleet of
// continuous-integration worker machines.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// action-registrar is a one-shot operator CLI: it builds the action
// catalog for the configured task names and declares it against the
// orchestrator under a given provisioner id.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rebooter/internal/catalog"
	"rebooter/internal/config"
)

var (
	baseURL     string
	timeout     time.Duration
	descriptions = map[string]string{
		"reboot":             "Power-cycle a CI worker machine through its configured recovery mechanisms",
		"ping":                "Check whether a CI worker machine is reachable",
		"file_bugzilla_bug":  "File or update a tracker bug for a worker that could not be recovered",
		"reimage":             "Reimage a worker (not implemented; accepted for catalog parity)",
		"ipmi_reset":          "Issue an IPMI warm reset against a worker's BMC",
		"ipmi_cycle":          "Issue an IPMI power cycle against a worker's BMC",
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "action-registrar <provisioner-id>",
	Short: "Declare the hardware-recovery action catalog against a provisioner",
	Long: `action-registrar builds one action-catalog entry per configured
task name and declares it against the orchestrator, so that operator
consoles can present the hardware-recovery actions for a worker.

Requires TASKCLUSTER_CLIENT_ID and TASKCLUSTER_ACCESS_TOKEN in the
environment, with scope queue:declare-provisioner:<provisioner-id>#actions.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	rootCmd.Flags().StringVar(&baseURL, "base-url", "", "HTTP Front base URL workers submit jobs against (required)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "declare-provisioner call timeout")
	_ = rootCmd.MarkFlagRequired("base-url")
}

func runRegister(cmd *cobra.Command, args []string) error {
	provisionerID := args[0]

	if err := catalog.ValidateBaseURL(baseURL); err != nil {
		return err
	}
	if err := catalog.ValidateProvisionerID(provisionerID); err != nil {
		return err
	}

	clientID := os.Getenv("TASKCLUSTER_CLIENT_ID")
	accessToken := os.Getenv("TASKCLUSTER_ACCESS_TOKEN")
	if strings.TrimSpace(clientID) == "" {
		return fmt.Errorf("TASKCLUSTER_CLIENT_ID is not set")
	}
	if strings.TrimSpace(accessToken) == "" {
		return fmt.Errorf("TASKCLUSTER_ACCESS_TOKEN is not set")
	}

	cfg := config.Default()

	entries := catalog.Build(baseURL, cfg.TaskNames, descriptions)

	fmt.Printf("registering %d actions for provisioner %q:\n", len(entries), provisionerID)
	for _, e := range entries {
		fmt.Printf("  %-20s %s\n", e.Name, e.URL)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	declareURL := os.Getenv("ORCHESTRATOR_URL")
	if strings.TrimSpace(declareURL) == "" {
		return fmt.Errorf("ORCHESTRATOR_URL is not set")
	}
	client := catalog.NewDeclareClient(declareURL, clientID, accessToken, nil)
	if err := client.Declare(ctx, provisionerID, entries); err != nil {
		return fmt.Errorf("declare provisioner actions: %w", err)
	}

	fmt.Println("registration complete")
	return nil
}
