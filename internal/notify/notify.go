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

// Package notify sends operator-facing notices: one copy to the
// operations mailbox and the job's caller when email is requested,
// and always a chunked copy to the configured chat channel.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/slack-go/slack"
)

// chunkSize is the per-message body limit; this predates Slack's own
// much larger limit and is kept because it is this notifier's own
// contract, not a Slack API constraint.
const chunkSize = 510

var clientIDUsername = regexp.MustCompile(`(?i)^(?:mozilla-auth0/ad\||mozilla-ldap\||mozilla-ldap/)([^|@]+)`)

// EmailSender delivers one rendered email payload to an address.
type EmailSender interface {
	Send(ctx context.Context, payload EmailPayload) error
}

// EmailPayload is the rendered body handed to an EmailSender.
type EmailPayload struct {
	Subject string         `json:"subject"`
	Address string         `json:"address"`
	ReplyTo string         `json:"replyTo"`
	Content string         `json:"content"`
	Template string        `json:"template"`
	Link    EmailPayloadLink `json:"link"`
}

// EmailPayloadLink is the "view this job" deep link in an email body.
type EmailPayloadLink struct {
	Href string `json:"href"`
	Text string `json:"text"`
}

// ChatPoster posts one chunk of text to a channel.
type ChatPoster interface {
	PostMessage(ctx context.Context, channel, text string) error
}

// Notifier implements send_notice semantics: it always chats, and
// additionally emails the operations address plus the caller's parsed
// username when requested.
type Notifier struct {
	Email         EmailSender
	Chat          ChatPoster
	ChatChannel   string
	OpsAddress    string
	ReplyToAddress string
}

// Notice carries everything send_notice needs to render both payloads.
type Notice struct {
	Subject      string
	Message      string
	ClientID     string
	JobCatalogURL string
	Email        bool
}

// Send implements send_notice(subject, message, job_data, email): an
// optional email fan-out plus a chat post whenever a ChatPoster is
// configured.
func (n *Notifier) Send(ctx context.Context, notice Notice) error {
	if notice.Email && n.Email != nil {
		if err := n.sendEmail(ctx, notice); err != nil {
			return fmt.Errorf("send email: %w", err)
		}
	}

	if n.Chat != nil {
		if err := n.sendChat(ctx, notice); err != nil {
			return fmt.Errorf("send chat: %w", err)
		}
	}
	return nil
}

func (n *Notifier) sendEmail(ctx context.Context, notice Notice) error {
	href := notice.JobCatalogURL
	link := EmailPayloadLink{Href: href, Text: truncateText(href, 40)}

	addrs := []string{n.OpsAddress}
	if u := parseCallerUsername(notice.ClientID); u != "" {
		addrs = append(addrs, u)
	}

	for _, addr := range addrs {
		if addr == "" {
			continue
		}
		payload := EmailPayload{
			Subject:  notice.Subject,
			Address:  addr,
			ReplyTo:  n.ReplyToAddress,
			Content:  notice.Message,
			Template: "fullscreen",
			Link:     link,
		}
		if err := n.Email.Send(ctx, payload); err != nil {
			return err
		}
	}
	return nil
}

func (n *Notifier) sendChat(ctx context.Context, notice Notice) error {
	combined := notice.Subject + ": " + notice.Message
	for _, chunk := range chunk(combined, chunkSize) {
		if err := n.Chat.PostMessage(ctx, n.ChatChannel, chunk); err != nil {
			return err
		}
	}
	return nil
}

// parseCallerUsername extracts the human username from a caller client
// id of the form "mozilla-auth0/ad|<user>", "Mozilla-LDAP|<user>", or
// "mozilla-ldap/<user>", optionally suffixed "@mozilla.com".
func parseCallerUsername(clientID string) string {
	m := clientIDUsername.FindStringSubmatch(clientID)
	if m == nil {
		return ""
	}
	return strings.TrimSuffix(m[1], "@mozilla.com")
}

func chunk(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	out = append(out, s)
	return out
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// slackChatPoster is the production ChatPoster, backed by
// github.com/slack-go/slack. The slack SDK logs verbosely by default;
// a discarding logger is installed so per-message posts stay out of the
// controller's own structured log stream.
type slackChatPoster struct {
	client *slack.Client
}

// NewSlackChatPoster builds a ChatPoster from a bot token.
func NewSlackChatPoster(token string) ChatPoster {
	return &slackChatPoster{client: slack.New(token, slack.OptionLog(discardLogger{}))}
}

func (s *slackChatPoster) PostMessage(ctx context.Context, channel, text string) error {
	_, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	return err
}

type discardLogger struct{}

func (discardLogger) Output(int, string) error { return nil }

// httpEmailSender posts the rendered payload to an operations
// notification HTTP endpoint as JSON.
type httpEmailSender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPEmailSender builds an EmailSender that POSTs to
// "<baseURL>/v1/email".
func NewHTTPEmailSender(baseURL string, client *http.Client) EmailSender {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpEmailSender{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (h *httpEmailSender) Send(ctx context.Context, payload EmailPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/v1/email", strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("email notification rejected", "status", resp.StatusCode, "address", payload.Address)
		return fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}
	return nil
}
