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

// Package ticket files and updates the fallback issue-tracker bugs: one
// parent bug aliased to a worker's short hostname, and one child "this
// worker needs a reboot" bug that blocks the parent.
package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"rebooter/pkg/models"
)

// ErrTrackerUnavailable is returned when the parent-bug existence check
// itself fails for any reason other than a 404 (transport error, 5xx,
// other status, undecodable body); filing aborts rather
// than risking a duplicate parent bug by falling through to POST.
var ErrTrackerUnavailable = errors.New("issue tracker unavailable")

// Config holds the tracker endpoint, credentials, and templates.
type Config struct {
	BaseURL               string
	APIKey                string
	ReopenState           string
	RebootTemplate        string
	WorkerTrackerTemplate string
	Product               string
	Component             string
	HTTPClient            *http.Client
}

// Filer implements orchestrator.TicketFiler against a Bugzilla-style
// REST tracker.
type Filer struct {
	cfg Config
}

// New builds a Filer from cfg; a nil cfg.HTTPClient defaults to one
// with a bounded timeout.
func New(cfg Config) *Filer {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Filer{cfg: cfg}
}

type bug struct {
	ID         int    `json:"id"`
	Status     string `json:"status"`
	Resolution string `json:"resolution"`
	Summary    string `json:"summary"`
}

type bugList struct {
	Bugs []bug `json:"bugs"`
}

// FileOrUpdate ensures a parent tracker bug exists for job.WorkerID's
// short hostname, then files or updates a child reboot bug blocking it,
// returning the child bug's web URL.
func (f *Filer) FileOrUpdate(ctx context.Context, job models.Job, attemptLogSoFar string) (string, error) {
	shortHost := strings.SplitN(job.WorkerID, ".", 2)[0]

	parentID, err := f.ensureParentBug(ctx, shortHost, job)
	if err != nil {
		return "", err
	}

	return f.fileChildBug(ctx, shortHost, parentID, job, attemptLogSoFar)
}

func (f *Filer) ensureParentBug(ctx context.Context, shortHost string, job models.Job) (int, error) {
	b, err := f.getBugByAlias(ctx, shortHost)
	if err != nil {
		if errors.Is(err, errBugNotFound) {
			vars := map[string]string{
				"hostname": job.WorkerID,
				"alias":    shortHost,
				"DC":       datacenterOf(job.WorkerID),
				"api_key":  f.cfg.APIKey,
			}
			body := renderTemplate(f.cfg.WorkerTrackerTemplate, vars)
			return f.postBug(ctx, body)
		}
		return 0, fmt.Errorf("%w: %v", ErrTrackerUnavailable, err)
	}

	if isOpen(b) {
		return b.ID, nil
	}
	if err := f.reopenBug(ctx, b.ID); err != nil {
		return 0, fmt.Errorf("reopen parent bug %d: %w", b.ID, err)
	}
	return b.ID, nil
}

func (f *Filer) fileChildBug(ctx context.Context, shortHost string, parentID int, job models.Job, attemptLogSoFar string) (string, error) {
	vars := map[string]string{
		"hostname":     job.WorkerID,
		"blocks":       itoa(parentID),
		"api_key":      f.cfg.APIKey,
		"task_id":      job.TaskID,
		"worker_group": job.WorkerGroup,
		"attempt_log":  attemptLogSoFar,
	}
	description := renderTemplate(f.cfg.RebootTemplate, vars)
	summary := fmt.Sprintf("%s needs a reboot", job.WorkerID)

	existing, err := f.findOpenChildBug(ctx, summary)
	if err != nil {
		return "", fmt.Errorf("search existing child bug: %w", err)
	}

	var childID int
	if existing != 0 {
		if err := f.addComment(ctx, existing, description); err != nil {
			return "", fmt.Errorf("comment on child bug %d: %w", existing, err)
		}
		childID = existing
	} else {
		body := describedBugBody(summary, description, f.cfg.Product, f.cfg.Component, f.cfg.APIKey)
		id, err := f.postBug(ctx, body)
		if err != nil {
			return "", fmt.Errorf("post child bug: %w", err)
		}
		childID = id
	}

	if err := f.addBlocks(ctx, childID, parentID); err != nil {
		return "", fmt.Errorf("block parent %d on child %d: %w", parentID, childID, err)
	}

	return f.bugURL(childID), nil
}

var errBugNotFound = errors.New("bug not found")

func (f *Filer) getBugByAlias(ctx context.Context, alias string) (bug, error) {
	u := f.cfg.BaseURL + "/rest/bug/" + url.PathEscape(alias)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return bug{}, err
	}
	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return bug{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return bug{}, errBugNotFound
	}
	if resp.StatusCode >= 500 {
		return bug{}, fmt.Errorf("tracker returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return bug{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list bugList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return bug{}, fmt.Errorf("decode bug: %w", err)
	}
	if len(list.Bugs) == 0 {
		return bug{}, errBugNotFound
	}
	return list.Bugs[0], nil
}

func (f *Filer) findOpenChildBug(ctx context.Context, summary string) (int, error) {
	q := url.Values{}
	q.Set("summary", summary)
	q.Set("product", f.cfg.Product)
	q.Set("component", f.cfg.Component)
	q.Set("resolution", "---")
	u := f.cfg.BaseURL + "/rest/bug?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}
	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var list bugList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return 0, err
	}
	for _, b := range list.Bugs {
		if b.Summary == summary {
			return b.ID, nil
		}
	}
	return 0, nil
}

func (f *Filer) postBug(ctx context.Context, body string) (int, error) {
	var created struct {
		ID int `json:"id"`
	}
	if err := f.doJSON(ctx, http.MethodPost, f.cfg.BaseURL+"/rest/bug", []byte(body), &created); err != nil {
		return 0, err
	}
	return created.ID, nil
}

func (f *Filer) reopenBug(ctx context.Context, id int) error {
	payload, _ := json.Marshal(map[string]any{"status": f.cfg.ReopenState, "api_key": f.cfg.APIKey})
	return f.doJSON(ctx, http.MethodPut, fmt.Sprintf("%s/rest/bug/%d", f.cfg.BaseURL, id), payload, nil)
}

func (f *Filer) addComment(ctx context.Context, id int, comment string) error {
	payload, _ := json.Marshal(map[string]any{"comment": map[string]string{"body": comment}, "api_key": f.cfg.APIKey})
	return f.doJSON(ctx, http.MethodPut, fmt.Sprintf("%s/rest/bug/%d", f.cfg.BaseURL, id), payload, nil)
}

func (f *Filer) addBlocks(ctx context.Context, childID, parentID int) error {
	payload, _ := json.Marshal(map[string]any{"blocks": map[string]any{"add": []int{parentID}}, "api_key": f.cfg.APIKey})
	return f.doJSON(ctx, http.MethodPut, fmt.Sprintf("%s/rest/bug/%d", f.cfg.BaseURL, childID), payload, nil)
}

func (f *Filer) doJSON(ctx context.Context, method, u string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := f.cfg.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("tracker %s %s: status=%d body=%s", method, u, resp.StatusCode, truncate(string(data), 256))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (f *Filer) bugURL(id int) string {
	return fmt.Sprintf("%s/show_bug.cgi?id=%d", f.cfg.BaseURL, id)
}

func isOpen(b bug) bool {
	return b.Resolution == ""
}

func describedBugBody(summary, description, product, component, apiKey string) string {
	payload, _ := json.Marshal(map[string]any{
		"summary":     summary,
		"description": description,
		"product":     product,
		"component":   component,
		"api_key":     apiKey,
	})
	return string(payload)
}

func datacenterOf(workerID string) string {
	for _, dc := range []string{"mdc1", "mdc2", "scl3"} {
		if strings.Contains(workerID, dc) {
			return dc
		}
	}
	return ""
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n]
}
