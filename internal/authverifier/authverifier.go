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

// Package authverifier authenticates inbound HAWK-signed requests by
// submitting a canonical request tuple to an external verifier
// service; the verifier owns the MAC computation and scope mapping,
// this package only shapes the request and interprets the response.
package authverifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Request is the canonical tuple submitted to the verifier: method
// lowercased, the full path+query as resource, and the host/port the
// HAWK MAC was computed over.
type Request struct {
	Method        string
	Resource      string
	Host          string
	Port          string
	Authorization string
}

// Result is the verifier's decision.
type Result struct {
	Authenticated bool
	Scopes        []string
	ClientID      string
	Message       string
}

type verifierResponse struct {
	Status   string   `json:"status"`
	Scopes   []string `json:"scopes"`
	ClientID string   `json:"clientId"`
	Message  string   `json:"message"`
}

// Verifier calls an external auth-verifier HTTP endpoint.
type Verifier struct {
	BaseURL    string
	HTTPClient *http.Client
}

// New builds a Verifier against baseURL, defaulting to http.DefaultClient.
func New(baseURL string, client *http.Client) *Verifier {
	if client == nil {
		client = http.DefaultClient
	}
	return &Verifier{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: client}
}

// Verify submits req to the verifier and interprets its response:
// status=="auth-success" is authenticated with attached scopes,
// status=="auth-failed" is a distinguishable failure with the
// verifier's message, and anything else (including a missing status)
// is treated as a generic, non-specific failure.
func (v *Verifier) Verify(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.HTTPClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call auth verifier: %w", err)
	}
	defer resp.Body.Close()

	var vr verifierResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Result{Message: "auth verifier returned a malformed response"}, nil
	}

	switch vr.Status {
	case "auth-success":
		return Result{Authenticated: true, Scopes: vr.Scopes, ClientID: vr.ClientID}, nil
	case "auth-failed":
		return Result{Message: vr.Message}, nil
	default:
		return Result{Message: "authentication failed"}, nil
	}
}

// BuildRequest assembles the canonical tuple for one inbound HTTP
// request, forcing the port to 443 when the edge terminated TLS
// (X-Forwarded-Proto: https) regardless of the port this process
// actually listens on, since the HAWK MAC was computed by the caller
// over the outward-facing URL.
func BuildRequest(r *http.Request) Request {
	host, port := splitHostPort(r)
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		port = "443"
	}
	resource := r.URL.Path
	if r.URL.RawQuery != "" {
		resource += "?" + r.URL.RawQuery
	}
	return Request{
		Method:        strings.ToLower(r.Method),
		Resource:      resource,
		Host:          host,
		Port:          port,
		Authorization: r.Header.Get("Authorization"),
	}
}

func splitHostPort(r *http.Request) (host, port string) {
	h := r.Host
	if h == "" {
		h = r.Header.Get("Host")
	}
	if idx := strings.LastIndex(h, ":"); idx != -1 {
		if _, err := strconv.Atoi(h[idx+1:]); err == nil {
			return h[:idx], h[idx+1:]
		}
	}
	if r.TLS != nil {
		return h, "443"
	}
	return h, "80"
}
