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

// Package catalog builds the action-catalog entries the Action
// Registrar declares against the orchestrator's queue, and submits
// them with the declare-provisioner call.
package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

var provisionerIDPattern = regexp.MustCompile(`^[-_a-zA-Z0-9]{1,256}$`)

// ValidateProvisionerID reports whether id matches the pattern the
// orchestrator requires for a provisioner id.
func ValidateProvisionerID(id string) error {
	if !provisionerIDPattern.MatchString(id) {
		return fmt.Errorf("invalid provisioner id %q", id)
	}
	return nil
}

// ValidateBaseURL reports whether baseURL is an http(s) URL that does
// not itself contain the "workerId"/"workerGroup" placeholder tokens
// the job-submit path template depends on.
func ValidateBaseURL(baseURL string) error {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return fmt.Errorf("base url %q must be http or https", baseURL)
	}
	if strings.Contains(baseURL, "workerId") || strings.Contains(baseURL, "workerGroup") {
		return fmt.Errorf("base url %q must not contain workerId/workerGroup", baseURL)
	}
	return nil
}

// Entry is one action-catalog entry, matching the orchestrator's
// update-provisioner-request schema.
type Entry struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Context     string `json:"context"`
	Method      string `json:"method"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// Build constructs one catalog entry per task name. descriptions maps
// a task name to the help text rendered as the entry's description;
// a task name absent from descriptions gets the task name itself.
func Build(baseURL string, taskNames []string, descriptions map[string]string) []Entry {
	entries := make([]Entry, 0, len(taskNames))
	for _, name := range taskNames {
		description := descriptions[name]
		if description == "" {
			description = name
		}
		entries = append(entries, Entry{
			Name:        name,
			Title:       name,
			Context:     "worker-type",
			Method:      "POST",
			URL:         jobSubmitURL(baseURL, name),
			Description: description,
		})
	}
	return entries
}

// jobSubmitURL renders "<base>/workers/<workerId>/jobs?task_name=<name>",
// using the orchestrator's "<workerId>"/"<workerGroup>" placeholder
// convention rather than this controller's own path syntax, since the
// catalog entry is interpreted by the orchestrator's action-context
// substitution, not dispatched by this process.
func jobSubmitURL(baseURL, taskName string) string {
	base := strings.TrimRight(baseURL, "/")
	return base + "/workers/<workerId>/jobs?task_name=" + taskName
}

// DeclareClient submits a built catalog to the orchestrator's
// declare-provisioner endpoint. The caller's credentials must carry
// scope queue:declare-provisioner:<provisioner_id>#actions.
type DeclareClient struct {
	BaseURL    string
	ClientID   string
	AccessToken string
	HTTPClient *http.Client
}

// NewDeclareClient builds a DeclareClient, defaulting to http.DefaultClient.
func NewDeclareClient(baseURL, clientID, accessToken string, client *http.Client) *DeclareClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &DeclareClient{BaseURL: strings.TrimRight(baseURL, "/"), ClientID: clientID, AccessToken: accessToken, HTTPClient: client}
}

type declareRequest struct {
	Actions []Entry `json:"actions"`
}

// Declare posts entries to "<BaseURL>/queue/declare-provisioner/<provisionerID>".
func (d *DeclareClient) Declare(ctx context.Context, provisionerID string, entries []Entry) error {
	if err := ValidateProvisionerID(provisionerID); err != nil {
		return err
	}

	body, err := json.Marshal(declareRequest{Actions: entries})
	if err != nil {
		return fmt.Errorf("marshal declare-provisioner payload: %w", err)
	}

	url := fmt.Sprintf("%s/queue/declare-provisioner/%s", d.BaseURL, provisionerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(d.ClientID, d.AccessToken)

	resp, err := d.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("declare provisioner actions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("declare provisioner actions: unexpected status %d", resp.StatusCode)
	}
	return nil
}
