/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package http

import (
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "encoding/json"
    "errors"
    "io"
    "net/http"
    "net/url"
    "strconv"
    "strings"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
)

type service interface {
    ScanAll(ctx context.Context, projectQuery string) ([]domain.ScannedIssue, error)
    RescanOne(ctx context.Context, issueID int64) (*domain.ScannedIssue, error)
    GetIssue(ctx context.Context, issueID int64) (*domain.ScannedIssue, error)
    GetIssueByKey(ctx context.Context, key string) (*domain.ScannedIssue, error)
    ListIssues(ctx context.Context) ([]domain.ScannedIssue, error)
    GenerateQuestions(ctx context.Context, issueID int64, regenerate bool) ([]domain.QaAnswer, error)
    ListAnswers(ctx context.Context, issueID int64) ([]domain.QaAnswer, error)
    SubmitAnswer(ctx context.Context, issueID int64, question, answerText string) (*domain.QaAnswer, error)
    SendToSlack(ctx context.Context, issueID int64) (string, error)
    OpenAnswerDialog(ctx context.Context, issueID int64, triggerID string) error
    HandleSlackAnswers(ctx context.Context, issueID int64, answers map[string]string) error
    Override(ctx context.Context, issueID int64, reason string, newStatus domain.Status) (*domain.ScannedIssue, error)
    ListRuleSets(ctx context.Context) ([]domain.RuleSet, error)
    CreateRuleSet(ctx context.Context, rs domain.RuleSet) (*domain.RuleSet, error)
    ActivateRuleSet(ctx context.Context, id int64) error
    DeleteRuleSet(ctx context.Context, id int64) error
}

type Handlers struct {
    cfg config.Config
    log zerolog.Logger
    svc service
}

func NewHandlers(cfg config.Config, log zerolog.Logger, svc service) *Handlers {
    return &Handlers{cfg: cfg, log: log, svc: svc}
}

// writeErr maps the error taxonomy onto HTTP statuses.
func (h *Handlers) writeErr(c *gin.Context, err error) {
    var ve *domain.ValidationError
    var ue *domain.UpstreamError
    switch {
    case errors.As(err, &ve):
        c.JSON(http.StatusUnprocessableEntity, gin.H{"error": ve.Error(), "field": ve.Field})
    case errors.Is(err, domain.ErrNotFound):
        c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
    case errors.Is(err, domain.ErrNoActiveRuleSet):
        c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
    case errors.Is(err, domain.ErrNotConfigured):
        c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
    case errors.Is(err, domain.ErrNoDestination):
        c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
    case errors.As(err, &ue):
        c.JSON(http.StatusBadGateway, gin.H{"error": ue.Error()})
    default:
        h.log.Error().Err(err).Str("p", c.FullPath()).Msg("http: internal error")
        c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
    }
}

func pathID(c *gin.Context) (int64, bool) {
    id, err := strconv.ParseInt(c.Param("id"), 10, 64)
    if err != nil || id <= 0 {
        c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid id"})
        return 0, false
    }
    return id, true
}

func (h *Handlers) Healthz(c *gin.Context) {
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) Scan(c *gin.Context) {
    var body struct {
        Query string `json:"query"`
    }
    _ = c.ShouldBindJSON(&body)
    scanned, err := h.svc.ScanAll(c.Request.Context(), body.Query)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"scanned": len(scanned), "issues": scanned})
}

func (h *Handlers) Rescan(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    issue, err := h.svc.RescanOne(c.Request.Context(), id)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, issue)
}

// GetIssue accepts either the numeric row id or the Jira key.
func (h *Handlers) GetIssue(c *gin.Context) {
    param := c.Param("id")
    if id, err := strconv.ParseInt(param, 10, 64); err == nil && id > 0 {
        issue, err := h.svc.GetIssue(c.Request.Context(), id)
        if err != nil { h.writeErr(c, err); return }
        c.JSON(http.StatusOK, issue)
        return
    }
    issue, err := h.svc.GetIssueByKey(c.Request.Context(), param)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, issue)
}

func (h *Handlers) ListIssues(c *gin.Context) {
    issues, err := h.svc.ListIssues(c.Request.Context())
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"issues": issues})
}

func (h *Handlers) GenerateQuestions(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    var body struct {
        Regenerate bool `json:"regenerate"`
    }
    _ = c.ShouldBindJSON(&body)
    qa, err := h.svc.GenerateQuestions(c.Request.Context(), id, body.Regenerate)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"questions": qa})
}

func (h *Handlers) ListQuestions(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    qa, err := h.svc.ListAnswers(c.Request.Context(), id)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"questions": qa})
}

func (h *Handlers) SubmitAnswer(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    var body struct {
        Question string `json:"question"`
        Answer   string `json:"answer"`
    }
    if err := c.ShouldBindJSON(&body); err != nil {
        c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid body"})
        return
    }
    qa, err := h.svc.SubmitAnswer(c.Request.Context(), id, body.Question, body.Answer)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, qa)
}

func (h *Handlers) SendToSlack(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    target, err := h.svc.SendToSlack(c.Request.Context(), id)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"sent_to": target})
}

func (h *Handlers) Override(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    var body struct {
        Status string `json:"status"`
        Reason string `json:"reason"`
    }
    if err := c.ShouldBindJSON(&body); err != nil {
        c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid body"})
        return
    }
    issue, err := h.svc.Override(c.Request.Context(), id, body.Reason, domain.Status(body.Status))
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, issue)
}

func (h *Handlers) ListRuleSets(c *gin.Context) {
    sets, err := h.svc.ListRuleSets(c.Request.Context())
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"rule_sets": sets})
}

type ruleBody struct {
    Name            string   `json:"name"`
    Description     string   `json:"description"`
    Enabled         *bool    `json:"enabled"`
    Severity        string   `json:"severity"`
    Weight          float64  `json:"weight"`
    DetectionMethod string   `json:"detection_method"`
    TargetField     string   `json:"target_field"`
    ExpectedPattern string   `json:"expected_pattern"`
    MinLength       *int     `json:"min_length"`
}

func (h *Handlers) CreateRuleSet(c *gin.Context) {
    var body struct {
        ProjectKey             string     `json:"project_key"`
        ThresholdReady         float64    `json:"threshold_ready"`
        ThresholdClarification float64    `json:"threshold_clarification"`
        Rules                  []ruleBody `json:"rules"`
    }
    if err := c.ShouldBindJSON(&body); err != nil {
        c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid body"})
        return
    }
    rs := domain.RuleSet{
        ProjectKey:             body.ProjectKey,
        ThresholdReady:         body.ThresholdReady,
        ThresholdClarification: body.ThresholdClarification,
    }
    for i, rb := range body.Rules {
        enabled := true
        if rb.Enabled != nil { enabled = *rb.Enabled }
        method := rb.DetectionMethod
        if method == "" { method = domain.DetectionFieldPresence }
        rs.Rules = append(rs.Rules, domain.Rule{
            Name:            rb.Name,
            Description:     rb.Description,
            Enabled:         enabled,
            Severity:        domain.Severity(rb.Severity),
            Weight:          rb.Weight,
            DetectionMethod: method,
            TargetField:     rb.TargetField,
            ExpectedPattern: rb.ExpectedPattern,
            MinLength:       rb.MinLength,
            Position:        i + 1,
        })
    }
    created, err := h.svc.CreateRuleSet(c.Request.Context(), rs)
    if err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusCreated, created)
}

func (h *Handlers) ActivateRuleSet(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    if err := h.svc.ActivateRuleSet(c.Request.Context(), id); err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"activated": id})
}

func (h *Handlers) DeleteRuleSet(c *gin.Context) {
    id, ok := pathID(c)
    if !ok { return }
    if err := h.svc.DeleteRuleSet(c.Request.Context(), id); err != nil { h.writeErr(c, err); return }
    c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// SlackInteractions receives interactive payloads from Slack. The body is
// form-encoded with a single payload field; signature verification follows
// the v0 signing scheme before anything is parsed.
func (h *Handlers) SlackInteractions(c *gin.Context) {
    raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
        return
    }
    if !h.verifySlackSignature(c, raw) {
        c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
        return
    }
    vals, err := url.ParseQuery(string(raw))
    if err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid form body"})
        return
    }
    var payload struct {
        Type       string `json:"type"`
        CallbackID string `json:"callback_id"`
        TriggerID  string `json:"trigger_id"`
        Actions    []struct {
            ActionID string `json:"action_id"`
            Value    string `json:"value"`
        } `json:"actions"`
        View       struct {
            CallbackID      string `json:"callback_id"`
            PrivateMetadata string `json:"private_metadata"`
            State           struct {
                Values map[string]map[string]struct {
                    Value string `json:"value"`
                } `json:"values"`
            } `json:"state"`
        } `json:"view"`
        State struct {
            Values map[string]map[string]struct {
                Value string `json:"value"`
            } `json:"values"`
        } `json:"state"`
    }
    if err := json.Unmarshal([]byte(vals.Get("payload")), &payload); err != nil {
        c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
        return
    }
    if payload.Type == "block_actions" {
        for _, a := range payload.Actions {
            id, ok := parseIssueCallback(a.Value)
            if !ok { continue }
            if err := h.svc.OpenAnswerDialog(c.Request.Context(), id, payload.TriggerID); err != nil {
                h.log.Warn().Err(err).Int64("issue", id).Msg("http: open answer dialog failed")
            }
        }
        c.JSON(http.StatusOK, gin.H{"ok": true})
        return
    }
    cb := payload.CallbackID
    values := payload.State.Values
    if payload.Type == "view_submission" {
        cb = payload.View.CallbackID
        if cb == "" { cb = payload.View.PrivateMetadata }
        values = payload.View.State.Values
    }
    id, ok := parseIssueCallback(cb)
    if !ok {
        c.JSON(http.StatusOK, gin.H{"ok": true})
        return
    }
    answers := map[string]string{}
    for question, inputs := range values {
        for _, in := range inputs {
            if strings.TrimSpace(in.Value) != "" { answers[question] = in.Value }
        }
    }
    if len(answers) == 0 {
        c.JSON(http.StatusOK, gin.H{"ok": true})
        return
    }
    if err := h.svc.HandleSlackAnswers(c.Request.Context(), id, answers); err != nil {
        h.writeErr(c, err)
        return
    }
    c.JSON(http.StatusOK, gin.H{"ok": true})
}

// parseIssueCallback extracts the issue id from a callback id like "issue:42".
func parseIssueCallback(cb string) (int64, bool) {
    s, ok := strings.CutPrefix(cb, "issue:")
    if !ok { return 0, false }
    id, err := strconv.ParseInt(s, 10, 64)
    if err != nil || id <= 0 { return 0, false }
    return id, true
}

func (h *Handlers) verifySlackSignature(c *gin.Context, body []byte) bool {
    // No secret means the endpoint cannot authenticate anything; refuse.
    secret := h.cfg.SlackSigningSecret
    if secret == "" { return false }
    ts := c.GetHeader("X-Slack-Request-Timestamp")
    sig := c.GetHeader("X-Slack-Signature")
    if ts == "" || sig == "" { return false }
    sec, err := strconv.ParseInt(ts, 10, 64)
    if err != nil { return false }
    // stale requests are replays
    if d := time.Since(time.Unix(sec, 0)); d > 5*time.Minute || d < -5*time.Minute { return false }
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write([]byte("v0:" + ts + ":"))
    mac.Write(body)
    want := "v0=" + hex.EncodeToString(mac.Sum(nil))
    return hmac.Equal([]byte(want), []byte(sig))
}
