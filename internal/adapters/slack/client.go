/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package slack

import (
    "bytes"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
    "github.com/rs/zerolog"
)

type Client struct {
    token string
    http  *http.Client
    log   zerolog.Logger
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    return &Client{ token: cfg.SlackBotToken, http: &http.Client{ Timeout: 10 * time.Second }, log: log }
}

// SendQuestions posts the open readiness questions for an issue to the given
// channel or user id and returns the message timestamp.
func (c *Client) SendQuestions(ctx context.Context, target string, issue domain.ScannedIssue, questions []string) (string, error) {
    if c.token == "" || target == "" { return "", fmt.Errorf("slack: missing token or target") }
    blocks := []map[string]any{
        {
            "type": "section",
            "text": map[string]any{
                "type": "mrkdwn",
                "text": fmt.Sprintf("*%s* %s\nReadiness score: %.1f (%s)", issue.JiraKey, issue.Summary, issue.ReadinessScore, issue.Status),
            },
        },
        { "type": "divider" },
    }
    for _, q := range questions {
        blocks = append(blocks, map[string]any{
            "type": "section",
            "text": map[string]any{ "type": "mrkdwn", "text": q },
        })
    }
    blocks = append(blocks, map[string]any{
        "type": "actions",
        "elements": []map[string]any{
            {
                "type":      "button",
                "action_id": "answer_questions",
                "text":      map[string]any{ "type": "plain_text", "text": "Answer questions" },
                "value":     fmt.Sprintf("issue:%d", issue.ID),
            },
        },
    })
    blocks = append(blocks, map[string]any{
        "type": "context",
        "elements": []map[string]any{
            { "type": "mrkdwn", "text": "Use the button above, or reply in thread with `[Rule Name] your answer`." },
        },
    })
    body := map[string]any{ "channel": target, "text": fmt.Sprintf("Readiness questions for %s", issue.JiraKey), "blocks": blocks }
    var r struct {
        OK    bool   `json:"ok"`
        Error string `json:"error"`
        TS    string `json:"ts"`
    }
    if err := c.call(ctx, "chat.postMessage", body, &r); err != nil { return "", err }
    if !r.OK { return "", fmt.Errorf("slack chat.postMessage error=%s", r.Error) }
    return r.TS, nil
}

// OpenAnswerModal opens a modal with one input per open question, keyed so
// the submission webhook can map values back to the question text.
func (c *Client) OpenAnswerModal(ctx context.Context, triggerID string, issue domain.ScannedIssue, questions []string) error {
    if c.token == "" || triggerID == "" { return fmt.Errorf("slack: missing token or trigger id") }
    blocks := make([]map[string]any, 0, len(questions))
    for _, q := range questions {
        blocks = append(blocks, map[string]any{
            "type":     "input",
            "block_id": q,
            "optional": true,
            "label":    map[string]any{ "type": "plain_text", "text": truncateLabel(q) },
            "element": map[string]any{
                "type":      "plain_text_input",
                "action_id": "answer",
                "multiline": true,
            },
        })
    }
    body := map[string]any{
        "trigger_id": triggerID,
        "view": map[string]any{
            "type":             "modal",
            "callback_id":      "readiness_answers",
            "private_metadata": fmt.Sprintf("issue:%d", issue.ID),
            "title":            map[string]any{ "type": "plain_text", "text": "Readiness questions" },
            "submit":           map[string]any{ "type": "plain_text", "text": "Submit" },
            "blocks":           blocks,
        },
    }
    var r struct {
        OK    bool   `json:"ok"`
        Error string `json:"error"`
    }
    if err := c.call(ctx, "views.open", body, &r); err != nil { return err }
    if !r.OK { return fmt.Errorf("slack views.open error=%s", r.Error) }
    return nil
}

// truncateLabel keeps modal labels under Slack's 150-char plain_text limit.
func truncateLabel(s string) string {
    if len(s) <= 150 { return s }
    return s[:147] + "..."
}

// LookupUserByEmail resolves a Slack user id for a Jira assignee email.
// Returns domain.ErrNotFound when Slack has no matching account.
func (c *Client) LookupUserByEmail(ctx context.Context, email string) (string, error) {
    if c.token == "" || email == "" { return "", fmt.Errorf("slack: missing token or email") }
    var r struct {
        OK    bool   `json:"ok"`
        Error string `json:"error"`
        User  struct {
            ID string `json:"id"`
        } `json:"user"`
    }
    if err := c.call(ctx, "users.lookupByEmail", map[string]any{"email": email}, &r); err != nil { return "", err }
    if !r.OK {
        if r.Error == "users_not_found" { return "", domain.ErrNotFound }
        return "", fmt.Errorf("slack users.lookupByEmail error=%s", r.Error)
    }
    return r.User.ID, nil
}

func (c *Client) call(ctx context.Context, method string, body any, out any) error {
    url := "https://slack.com/api/" + method
    b, _ := json.Marshal(body)
    req, _ := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(b))
    req.Header.Set("Content-Type", "application/json; charset=utf-8")
    req.Header.Set("Authorization", "Bearer "+c.token)
    resp, err := c.http.Do(req)
    if err != nil { return err }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 {
        var bodyBytes []byte
        bodyBytes, _ = io.ReadAll(resp.Body)
        return fmt.Errorf("slack %s status=%d body=%s", method, resp.StatusCode, string(bodyBytes))
    }
    if out == nil { return nil }
    return json.NewDecoder(resp.Body).Decode(out)
}
