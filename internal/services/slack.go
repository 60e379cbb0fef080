/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "errors"
    "strings"

    "github.com/HamedShams/ready-pulse/internal/domain"
)

var mockAnswers = map[string]string{
    "Summary Present":        "Summary rewritten to describe the delivered behavior.",
    "Description Detail":     "Added background, scope and the expected outcome to the description.",
    "Acceptance Criteria":    "Added Given/When/Then acceptance criteria covering the main flows.",
    "Assignee Set":           "Assigned to the engineer who owns this component.",
    "Priority Set":           "Priority set after triage with the product owner.",
    "Story Points Estimated": "Estimated in refinement; points are on the ticket now.",
    "Labels Tagged":          "Tagged with the owning team and component labels.",
    "Dependencies Noted":     "Dependencies listed in the description; none are blocking.",
    "Test Notes":             "Added a short test plan covering the happy path and edge cases.",
}

const genericMockAnswer = "Discussed with the team; the missing information has been added to the ticket."

// SendToSlack delivers the issue's unanswered questions. In mock mode the
// round trip is simulated end to end; in live mode the messaging collaborator
// delivers an interactive message and answers come back via the webhook.
// Either way the issue is forced to WAITING_ON_SLACK once the send succeeds.
func (s *Service) SendToSlack(ctx context.Context, issueID int64) (string, error) {
    issue, err := s.store.GetScannedIssue(ctx, issueID)
    if err != nil { return "", err }
    all, err := s.store.ListAnswers(ctx, issueID)
    if err != nil { return "", err }
    var unanswered []domain.QaAnswer
    for _, qa := range all {
        if strings.TrimSpace(qa.Answer) == "" { unanswered = append(unanswered, qa) }
    }
    if len(unanswered) == 0 {
        return "", &domain.ValidationError{Field: "questions", Reason: "no unanswered questions to send"}
    }
    if s.cfg.SlackMockMode {
        return s.mockRoundTrip(ctx, issue, unanswered)
    }
    return s.liveSend(ctx, issue, unanswered)
}

// mockRoundTrip marks the issue sent and synthesizes an answer per pending
// question from the rule-keyed table, all in one locked write.
func (s *Service) mockRoundTrip(ctx context.Context, issue *domain.ScannedIssue, unanswered []domain.QaAnswer) (string, error) {
    err := s.store.WithIssueLock(ctx, issue.ID, func(ctx context.Context) error {
        if err := s.store.MarkSlackSent(ctx, issue.ID); err != nil { return err }
        for _, qa := range unanswered {
            answer := genericMockAnswer
            if a, ok := mockAnswers[ruleNameFromQuestion(qa.Question)]; ok { answer = a }
            if _, err := s.store.SubmitAnswer(ctx, issue.ID, qa.Question, answer); err != nil { return err }
        }
        return s.store.InsertAudit(ctx, domain.AuditLog{Action: "slack_send", EntityType: "issue", EntityID: issue.ID,
            Changes: map[string]any{"mode": "mock", "questions": len(unanswered)}})
    })
    if err != nil { return "", err }
    s.log.Info().Str("key", issue.JiraKey).Int("questions", len(unanswered)).Msg("mock slack round trip done")
    return "mock", nil
}

// liveSend resolves the destination in priority order: persisted user
// mapping for the assignee, user lookup by email (mapping persisted on hit),
// then the configured default channel. With no destination nothing is sent
// and nothing is marked.
func (s *Service) liveSend(ctx context.Context, issue *domain.ScannedIssue, unanswered []domain.QaAnswer) (string, error) {
    if strings.TrimSpace(s.cfg.SlackBotToken) == "" {
        return "", domain.ErrNotConfigured
    }
    target := ""
    if issue.AssigneeEmail != "" {
        if id, err := s.store.GetSlackUser(ctx, issue.AssigneeEmail); err == nil && id != "" {
            target = id
        } else {
            id, err := s.notifier.LookupUserByEmail(ctx, issue.AssigneeEmail)
            if err != nil && !errors.Is(err, domain.ErrNotFound) {
                s.log.Warn().Err(err).Str("email", issue.AssigneeEmail).Msg("slack user lookup failed")
            }
            if err == nil && id != "" {
                target = id
                if err := s.store.SaveSlackUser(ctx, issue.AssigneeEmail, id); err != nil {
                    s.log.Warn().Err(err).Msg("persist slack user mapping failed")
                }
            }
        }
    }
    if target == "" { target = strings.TrimSpace(s.cfg.SlackDefaultChannel) }
    if target == "" { return "", domain.ErrNoDestination }

    questions := make([]string, 0, len(unanswered))
    for _, qa := range unanswered { questions = append(questions, qa.Question) }
    ctx2, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
    defer cancel()
    if _, err := s.notifier.SendQuestions(ctx2, target, *issue, questions); err != nil {
        return "", &domain.UpstreamError{Op: "slack send", Err: err}
    }
    err := s.store.WithIssueLock(ctx, issue.ID, func(ctx context.Context) error {
        if err := s.store.MarkSlackSent(ctx, issue.ID); err != nil { return err }
        return s.store.InsertAudit(ctx, domain.AuditLog{Action: "slack_send", EntityType: "issue", EntityID: issue.ID,
            Changes: map[string]any{"mode": "live", "destination": target, "questions": len(questions)}})
    })
    if err != nil { return "", err }
    return target, nil
}

// OpenAnswerDialog opens the answer modal for the button on a delivered
// question message. The modal carries one input per still-unanswered
// question; its submission lands in HandleSlackAnswers.
func (s *Service) OpenAnswerDialog(ctx context.Context, issueID int64, triggerID string) error {
    if strings.TrimSpace(triggerID) == "" {
        return &domain.ValidationError{Field: "trigger_id", Reason: "must not be empty"}
    }
    issue, err := s.store.GetScannedIssue(ctx, issueID)
    if err != nil { return err }
    all, err := s.store.ListAnswers(ctx, issueID)
    if err != nil { return err }
    var questions []string
    for _, qa := range all {
        if strings.TrimSpace(qa.Answer) == "" { questions = append(questions, qa.Question) }
    }
    if len(questions) == 0 {
        return &domain.ValidationError{Field: "questions", Reason: "no unanswered questions"}
    }
    ctx2, cancel := context.WithTimeout(ctx, s.cfg.HTTPTimeout)
    defer cancel()
    if err := s.notifier.OpenAnswerModal(ctx2, triggerID, *issue, questions); err != nil {
        return &domain.UpstreamError{Op: "slack modal", Err: err}
    }
    return nil
}

// HandleSlackAnswers persists a batch of answers coming back from the
// interactive message, through the same path manual answers take, with one
// audit entry for the batch.
func (s *Service) HandleSlackAnswers(ctx context.Context, issueID int64, answers map[string]string) error {
    return s.store.WithIssueLock(ctx, issueID, func(ctx context.Context) error {
        n := 0
        for q, a := range answers {
            if strings.TrimSpace(a) == "" { continue }
            if _, err := s.store.SubmitAnswer(ctx, issueID, q, a); err != nil {
                if errors.Is(err, domain.ErrNotFound) { continue }
                return err
            }
            n++
        }
        if n == 0 { return nil }
        return s.store.InsertAudit(ctx, domain.AuditLog{Action: "answer_received", EntityType: "issue", EntityID: issueID,
            UserID: "slack", Changes: map[string]any{"answers": n}})
    })
}
