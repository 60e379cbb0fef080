package http

import (
    "context"
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
    "net/http"
    "net/http/httptest"
    "net/url"
    "strconv"
    "strings"
    "testing"
    "time"

    "github.com/gin-gonic/gin"
    "github.com/rs/zerolog"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
)

// stubService records webhook-driven calls and no-ops the rest.
type stubService struct {
    dialogIssue   int64
    dialogTrigger string
    answersIssue  int64
    answers       map[string]string
}

func (s *stubService) ScanAll(ctx context.Context, projectQuery string) ([]domain.ScannedIssue, error) {
    return nil, nil
}
func (s *stubService) RescanOne(ctx context.Context, issueID int64) (*domain.ScannedIssue, error) {
    return &domain.ScannedIssue{ID: issueID}, nil
}
func (s *stubService) GetIssue(ctx context.Context, issueID int64) (*domain.ScannedIssue, error) {
    return &domain.ScannedIssue{ID: issueID}, nil
}
func (s *stubService) GetIssueByKey(ctx context.Context, key string) (*domain.ScannedIssue, error) {
    return &domain.ScannedIssue{JiraKey: key}, nil
}
func (s *stubService) ListIssues(ctx context.Context) ([]domain.ScannedIssue, error) { return nil, nil }
func (s *stubService) GenerateQuestions(ctx context.Context, issueID int64, regenerate bool) ([]domain.QaAnswer, error) {
    return nil, nil
}
func (s *stubService) ListAnswers(ctx context.Context, issueID int64) ([]domain.QaAnswer, error) {
    return nil, nil
}
func (s *stubService) SubmitAnswer(ctx context.Context, issueID int64, question, answerText string) (*domain.QaAnswer, error) {
    return &domain.QaAnswer{IssueID: issueID, Question: question, Answer: answerText}, nil
}
func (s *stubService) SendToSlack(ctx context.Context, issueID int64) (string, error) {
    return "mock", nil
}
func (s *stubService) OpenAnswerDialog(ctx context.Context, issueID int64, triggerID string) error {
    s.dialogIssue = issueID
    s.dialogTrigger = triggerID
    return nil
}
func (s *stubService) HandleSlackAnswers(ctx context.Context, issueID int64, answers map[string]string) error {
    s.answersIssue = issueID
    s.answers = answers
    return nil
}
func (s *stubService) Override(ctx context.Context, issueID int64, reason string, newStatus domain.Status) (*domain.ScannedIssue, error) {
    return &domain.ScannedIssue{ID: issueID, Status: newStatus}, nil
}
func (s *stubService) ListRuleSets(ctx context.Context) ([]domain.RuleSet, error) { return nil, nil }
func (s *stubService) CreateRuleSet(ctx context.Context, rs domain.RuleSet) (*domain.RuleSet, error) {
    return &rs, nil
}
func (s *stubService) ActivateRuleSet(ctx context.Context, id int64) error { return nil }
func (s *stubService) DeleteRuleSet(ctx context.Context, id int64) error   { return nil }

func signBody(secret, ts string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write([]byte("v0:" + ts + ":"))
    mac.Write(body)
    return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func postInteraction(t *testing.T, cfg config.Config, svc *stubService, body string, sign bool) *httptest.ResponseRecorder {
    t.Helper()
    gin.SetMode(gin.TestMode)
    h := NewHandlers(cfg, zerolog.Nop(), svc)
    w := httptest.NewRecorder()
    c, _ := gin.CreateTestContext(w)
    req := httptest.NewRequest("POST", "/slack/interactions", strings.NewReader(body))
    req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
    if sign {
        ts := strconv.FormatInt(time.Now().Unix(), 10)
        req.Header.Set("X-Slack-Request-Timestamp", ts)
        req.Header.Set("X-Slack-Signature", signBody(cfg.SlackSigningSecret, ts, []byte(body)))
    }
    c.Request = req
    h.SlackInteractions(c)
    return w
}

func interactionBody(payload string) string {
    return url.Values{"payload": {payload}}.Encode()
}

func TestSlackInteractions_RejectsUnsignedEvenInMockMode(t *testing.T) {
    cfg := config.Config{SlackMockMode: true}
    w := postInteraction(t, cfg, &stubService{}, interactionBody(`{"type":"block_actions"}`), false)
    if w.Code != http.StatusForbidden {
        t.Fatalf("request without a signing secret must be refused, got %d", w.Code)
    }
}

func TestSlackInteractions_RejectsBadSignature(t *testing.T) {
    cfg := config.Config{SlackSigningSecret: "sec-1"}
    body := interactionBody(`{"type":"block_actions"}`)
    gin.SetMode(gin.TestMode)
    h := NewHandlers(cfg, zerolog.Nop(), &stubService{})
    w := httptest.NewRecorder()
    c, _ := gin.CreateTestContext(w)
    req := httptest.NewRequest("POST", "/slack/interactions", strings.NewReader(body))
    ts := strconv.FormatInt(time.Now().Unix(), 10)
    req.Header.Set("X-Slack-Request-Timestamp", ts)
    req.Header.Set("X-Slack-Signature", signBody("wrong-secret", ts, []byte(body)))
    c.Request = req
    h.SlackInteractions(c)
    if w.Code != http.StatusForbidden {
        t.Fatalf("bad signature must be refused, got %d", w.Code)
    }
}

func TestSlackInteractions_RejectsStaleTimestamp(t *testing.T) {
    cfg := config.Config{SlackSigningSecret: "sec-1"}
    body := interactionBody(`{"type":"block_actions"}`)
    gin.SetMode(gin.TestMode)
    h := NewHandlers(cfg, zerolog.Nop(), &stubService{})
    w := httptest.NewRecorder()
    c, _ := gin.CreateTestContext(w)
    req := httptest.NewRequest("POST", "/slack/interactions", strings.NewReader(body))
    ts := strconv.FormatInt(time.Now().Add(-10*time.Minute).Unix(), 10)
    req.Header.Set("X-Slack-Request-Timestamp", ts)
    req.Header.Set("X-Slack-Signature", signBody("sec-1", ts, []byte(body)))
    c.Request = req
    h.SlackInteractions(c)
    if w.Code != http.StatusForbidden {
        t.Fatalf("stale timestamp must be refused, got %d", w.Code)
    }
}

func TestSlackInteractions_BlockActionsOpensDialog(t *testing.T) {
    cfg := config.Config{SlackSigningSecret: "sec-1"}
    svc := &stubService{}
    payload := `{"type":"block_actions","trigger_id":"trig-9",` +
        `"actions":[{"action_id":"answer_questions","value":"issue:7"}]}`
    w := postInteraction(t, cfg, svc, interactionBody(payload), true)
    if w.Code != http.StatusOK {
        t.Fatalf("signed block_actions should be accepted, got %d: %s", w.Code, w.Body.String())
    }
    if svc.dialogIssue != 7 || svc.dialogTrigger != "trig-9" {
        t.Fatalf("dialog not opened for the clicked issue: %#v", svc)
    }
}

func TestSlackInteractions_ViewSubmissionDeliversAnswers(t *testing.T) {
    cfg := config.Config{SlackSigningSecret: "sec-1"}
    svc := &stubService{}
    payload := `{"type":"view_submission","view":{"private_metadata":"issue:42",` +
        `"state":{"values":{"[Test Notes] How will this change be verified?":` +
        `{"answer":{"value":"covered by the e2e suite"}}}}}}`
    w := postInteraction(t, cfg, svc, interactionBody(payload), true)
    if w.Code != http.StatusOK {
        t.Fatalf("signed view_submission should be accepted, got %d: %s", w.Code, w.Body.String())
    }
    if svc.answersIssue != 42 {
        t.Fatalf("answers not delivered to issue 42: %#v", svc)
    }
    if got := svc.answers["[Test Notes] How will this change be verified?"]; got != "covered by the e2e suite" {
        t.Fatalf("answer text lost in transit: %#v", svc.answers)
    }
}

func TestRouter_WebhookUnmountedWithoutSecret(t *testing.T) {
    gin.SetMode(gin.TestMode)
    r := NewRouter(config.Config{AppEnv: "test"}, zerolog.Nop(), &stubService{})
    w := httptest.NewRecorder()
    req := httptest.NewRequest("POST", "/slack/interactions", strings.NewReader(interactionBody(`{}`)))
    r.ServeHTTP(w, req)
    if w.Code != http.StatusNotFound {
        t.Fatalf("webhook should not exist without a signing secret, got %d", w.Code)
    }
}

func TestParseIssueCallback(t *testing.T) {
    cases := []struct {
        in string
        id int64
        ok bool
    }{
        {"issue:42", 42, true},
        {"issue:0", 0, false},
        {"issue:abc", 0, false},
        {"something-else", 0, false},
    }
    for _, tc := range cases {
        id, ok := parseIssueCallback(tc.in)
        if id != tc.id || ok != tc.ok {
            t.Fatalf("parseIssueCallback(%q) = %v,%v want %v,%v", tc.in, id, ok, tc.id, tc.ok)
        }
    }
}
