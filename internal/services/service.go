/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "errors"
    "strings"
    "sync"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
    "github.com/rs/zerolog"
)

type IssueProvider interface {
    ListIssues(ctx context.Context, query string) ([]domain.NormalizedIssue, error)
    GetIssue(ctx context.Context, key string) (*domain.NormalizedIssue, error)
}

type Notifier interface {
    SendQuestions(ctx context.Context, target string, issue domain.ScannedIssue, questions []string) (string, error)
    OpenAnswerModal(ctx context.Context, triggerID string, issue domain.ScannedIssue, questions []string) error
    LookupUserByEmail(ctx context.Context, email string) (string, error)
}

type LLM interface {
    GenerateQuestions(ctx context.Context, summary, description string, missing []domain.MissingItem) ([]GeneratedQuestion, error)
}

// Store is the persistence surface the engine mutates through. Per-issue
// mutations go through WithIssueLock so concurrent writers on the same issue
// serialize instead of silently dropping an update.
type Store interface {
    GetActiveRuleSet(ctx context.Context, projectKey string) (*domain.RuleSet, error)
    CreateRuleSet(ctx context.Context, rs domain.RuleSet) (*domain.RuleSet, error)
    ListRuleSets(ctx context.Context, projectKey string) ([]domain.RuleSet, error)
    ActivateRuleSet(ctx context.Context, id int64) error
    DeleteRuleSet(ctx context.Context, id int64) error

    UpsertScannedIssue(ctx context.Context, issue domain.ScannedIssue) (*domain.ScannedIssue, error)
    GetScannedIssue(ctx context.Context, id int64) (*domain.ScannedIssue, error)
    GetScannedIssueByKey(ctx context.Context, key string) (*domain.ScannedIssue, error)
    ListScannedIssues(ctx context.Context) ([]domain.ScannedIssue, error)

    ListAnswers(ctx context.Context, issueID int64) ([]domain.QaAnswer, error)
    InsertAnswers(ctx context.Context, issueID int64, qa []domain.QaAnswer) ([]domain.QaAnswer, error)
    DeleteUnanswered(ctx context.Context, issueID int64) error
    SubmitAnswer(ctx context.Context, issueID int64, question, answer string) (*domain.QaAnswer, error)
    SetQuestionsGenerated(ctx context.Context, issueID int64, generated bool) error

    MarkSlackSent(ctx context.Context, issueID int64) error
    OverrideStatus(ctx context.Context, issueID int64, status domain.Status, reason string) error

    GetSlackUser(ctx context.Context, email string) (string, error)
    SaveSlackUser(ctx context.Context, email, userID string) error

    InsertAudit(ctx context.Context, entry domain.AuditLog) error
    WithIssueLock(ctx context.Context, issueID int64, fn func(ctx context.Context) error) error
}

type Service struct {
    cfg      config.Config
    log      zerolog.Logger
    store    Store
    provider IssueProvider
    notifier Notifier
    llm      LLM
}

func New(cfg config.Config, log zerolog.Logger, store Store, provider IssueProvider, notifier Notifier, llm LLM) *Service {
    return &Service{cfg: cfg, log: log, store: store, provider: provider, notifier: notifier, llm: llm}
}

func (s *Service) activeRuleSet(ctx context.Context) (*domain.RuleSet, error) {
    return s.store.GetActiveRuleSet(ctx, s.cfg.JiraProject)
}

// ScanAll fetches issues for the query, scores each against the active rule
// set and upserts the result by jiraKey. An upstream failure on one issue is
// logged and the batch continues; running the same batch twice leaves the
// row count unchanged.
func (s *Service) ScanAll(ctx context.Context, projectQuery string) ([]domain.ScannedIssue, error) {
    rs, err := s.activeRuleSet(ctx)
    if err != nil { return nil, err }
    if strings.TrimSpace(projectQuery) == "" { projectQuery = s.cfg.JiraDefaultJQL }
    issues, err := s.provider.ListIssues(ctx, projectQuery)
    if err != nil { return nil, &domain.UpstreamError{Op: "jira search", Err: err} }

    workerCount := s.cfg.WorkersScan
    if workerCount <= 0 { workerCount = 6 }
    var mu sync.Mutex
    var scanned []domain.ScannedIssue
    jobs := make(chan domain.NormalizedIssue)
    var wg sync.WaitGroup
    for w := 0; w < workerCount; w++ {
        wg.Add(1)
        go func() {
            defer wg.Done()
            for ni := range jobs {
                row, err := s.scanIssue(ctx, *rs, ni)
                if err != nil { s.log.Error().Err(err).Str("key", ni.Key).Msg("scan: issue failed"); continue }
                mu.Lock(); scanned = append(scanned, *row); mu.Unlock()
            }
        }()
    }
    for _, ni := range issues { jobs <- ni }
    close(jobs)
    wg.Wait()
    _ = s.store.InsertAudit(ctx, domain.AuditLog{Action: "scan", EntityType: "project",
        Changes: map[string]any{"query": projectQuery, "scanned": len(scanned)}})
    s.log.Info().Int("scanned", len(scanned)).Int("fetched", len(issues)).Msg("scan done")
    return scanned, nil
}

// scanIssue scores a fresh provider record with no answered questions. The
// upsert keeps override-frozen status and sticky flags on conflict, so a
// scan never unfreezes anything.
func (s *Service) scanIssue(ctx context.Context, rs domain.RuleSet, ni domain.NormalizedIssue) (*domain.ScannedIssue, error) {
    raw := Score(ni, rs.Rules)
    row := domain.ScannedIssue{
        JiraKey:        ni.Key,
        Summary:        ni.Summary,
        Description:    ni.Description,
        Assignee:       ni.Assignee,
        AssigneeEmail:  ni.AssigneeEmail,
        ReadinessScore: raw,
        Status:         ResolveStatus(raw, rs, domain.StatusNeedsInfo, false),
        MissingItems:   MissingItems(ni, rs.Rules, nil),
    }
    return s.store.UpsertScannedIssue(ctx, row)
}

// RescanOne re-scores a single issue with its answered questions, boosting
// the raw score by the answered ratio. Rescan is user-initiated, so provider
// failures surface instead of being skipped.
func (s *Service) RescanOne(ctx context.Context, issueID int64) (*domain.ScannedIssue, error) {
    cur, err := s.store.GetScannedIssue(ctx, issueID)
    if err != nil { return nil, err }
    rs, err := s.activeRuleSet(ctx)
    if err != nil { return nil, err }
    ni, err := s.provider.GetIssue(ctx, cur.JiraKey)
    if err != nil { return nil, &domain.UpstreamError{Op: "jira get " + cur.JiraKey, Err: err} }
    rows, err := s.store.ListAnswers(ctx, issueID)
    if err != nil { return nil, err }
    answered := make([]string, 0, len(rows))
    for _, qa := range rows {
        if strings.TrimSpace(qa.Answer) != "" { answered = append(answered, qa.Question) }
    }

    raw := Score(*ni, rs.Rules)
    boosted := BoostScore(raw, len(answered), CountEnabled(rs.Rules))
    status := ResolveStatus(boosted, *rs, cur.Status, cur.ManualOverride)

    var out *domain.ScannedIssue
    err = s.store.WithIssueLock(ctx, issueID, func(ctx context.Context) error {
        up, err := s.store.UpsertScannedIssue(ctx, domain.ScannedIssue{
            JiraKey:        cur.JiraKey,
            Summary:        ni.Summary,
            Description:    ni.Description,
            Assignee:       ni.Assignee,
            AssigneeEmail:  ni.AssigneeEmail,
            ReadinessScore: boosted,
            Status:         status,
            MissingItems:   MissingItems(*ni, rs.Rules, answered),
        })
        if err != nil { return err }
        out = up
        return nil
    })
    if err != nil { return nil, err }
    return out, nil
}

// SubmitAnswer records the answer for one previously generated question.
// Each question is answered at most once; answering an already-answered or
// unknown question is a not-found.
func (s *Service) SubmitAnswer(ctx context.Context, issueID int64, question, answerText string) (*domain.QaAnswer, error) {
    if strings.TrimSpace(answerText) == "" {
        return nil, &domain.ValidationError{Field: "answer", Reason: "must not be empty"}
    }
    var out *domain.QaAnswer
    err := s.store.WithIssueLock(ctx, issueID, func(ctx context.Context) error {
        qa, err := s.store.SubmitAnswer(ctx, issueID, question, answerText)
        if err != nil { return err }
        out = qa
        return s.store.InsertAudit(ctx, domain.AuditLog{Action: "answer_received", EntityType: "issue", EntityID: issueID,
            Changes: map[string]any{"question": question}})
    })
    if err != nil { return nil, err }
    return out, nil
}

// Override forces a status with a reason and freezes the issue against
// automatic transitions. There is deliberately no unfreeze operation.
func (s *Service) Override(ctx context.Context, issueID int64, reason string, newStatus domain.Status) (*domain.ScannedIssue, error) {
    if strings.TrimSpace(reason) == "" {
        return nil, &domain.ValidationError{Field: "reason", Reason: "must not be empty"}
    }
    if newStatus == "" { newStatus = domain.StatusReady }
    switch newStatus {
    case domain.StatusNeedsInfo, domain.StatusNeedsClarification, domain.StatusReady, domain.StatusWaitingOnSlack:
    default:
        return nil, &domain.ValidationError{Field: "status", Reason: "unknown status " + string(newStatus)}
    }
    err := s.store.WithIssueLock(ctx, issueID, func(ctx context.Context) error {
        if err := s.store.OverrideStatus(ctx, issueID, newStatus, reason); err != nil { return err }
        return s.store.InsertAudit(ctx, domain.AuditLog{Action: "override", EntityType: "issue", EntityID: issueID,
            Changes: map[string]any{"status": newStatus, "reason": reason}})
    })
    if err != nil { return nil, err }
    return s.store.GetScannedIssue(ctx, issueID)
}

func (s *Service) GetIssue(ctx context.Context, issueID int64) (*domain.ScannedIssue, error) {
    return s.store.GetScannedIssue(ctx, issueID)
}

func (s *Service) GetIssueByKey(ctx context.Context, key string) (*domain.ScannedIssue, error) {
    return s.store.GetScannedIssueByKey(ctx, key)
}

func (s *Service) ListIssues(ctx context.Context) ([]domain.ScannedIssue, error) {
    return s.store.ListScannedIssues(ctx)
}

func (s *Service) ListAnswers(ctx context.Context, issueID int64) ([]domain.QaAnswer, error) {
    if _, err := s.store.GetScannedIssue(ctx, issueID); err != nil { return nil, err }
    return s.store.ListAnswers(ctx, issueID)
}

func (s *Service) ListRuleSets(ctx context.Context) ([]domain.RuleSet, error) {
    return s.store.ListRuleSets(ctx, s.cfg.JiraProject)
}

func (s *Service) CreateRuleSet(ctx context.Context, rs domain.RuleSet) (*domain.RuleSet, error) {
    if rs.ProjectKey == "" { rs.ProjectKey = s.cfg.JiraProject }
    if err := ValidateRuleSet(rs); err != nil { return nil, err }
    return s.store.CreateRuleSet(ctx, rs)
}

func (s *Service) ActivateRuleSet(ctx context.Context, id int64) error {
    return s.store.ActivateRuleSet(ctx, id)
}

func (s *Service) DeleteRuleSet(ctx context.Context, id int64) error {
    return s.store.DeleteRuleSet(ctx, id)
}

// EnsureDefaultRuleSet seeds the built-in 9-rule set for the configured
// project when it has no rule set yet.
func (s *Service) EnsureDefaultRuleSet(ctx context.Context) error {
    _, err := s.activeRuleSet(ctx)
    if err == nil { return nil }
    if !errors.Is(err, domain.ErrNoActiveRuleSet) && !errors.Is(err, domain.ErrNotFound) { return err }
    rs := domain.RuleSet{
        ProjectKey:             s.cfg.JiraProject,
        Version:                1,
        IsActive:               true,
        ThresholdReady:         s.cfg.ThresholdReady,
        ThresholdClarification: s.cfg.ThresholdClarification,
        Rules:                  DefaultRules(),
    }
    if err := ValidateRuleSet(rs); err != nil { return err }
    created, err := s.store.CreateRuleSet(ctx, rs)
    if err != nil { return err }
    if err := s.store.ActivateRuleSet(ctx, created.ID); err != nil { return err }
    s.log.Info().Str("project", rs.ProjectKey).Msg("seeded default rule set")
    return nil
}
