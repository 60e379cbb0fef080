/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "context"
    "fmt"
    "regexp"
    "strings"

    "github.com/HamedShams/ready-pulse/internal/domain"
)

// maxQuestionsPerIssue caps the combined question list per generation pass.
const maxQuestionsPerIssue = 6

var questionTemplates = map[string][]string{
    "Summary Present":        {"What is a one-line summary of what this issue delivers?"},
    "Description Detail":     {"Can you describe the context and the expected outcome in more detail?", "What problem does this solve, and for whom?"},
    "Acceptance Criteria":    {"What are the acceptance criteria for this issue?", "How will we know this is done?"},
    "Assignee Set":           {"Who is going to pick this issue up?"},
    "Priority Set":           {"How urgent is this relative to the rest of the backlog?"},
    "Story Points Estimated": {"What is the team's size estimate for this issue?", "Has this been through refinement yet?"},
    "Labels Tagged":          {"Which component or team does this issue belong to?"},
    "Dependencies Noted":     {"Does this depend on other issues or teams?", "Is anything blocking this from starting?"},
    "Test Notes":             {"How will this change be verified?"},
}

type GeneratedQuestion struct {
    Rule     string `json:"rule"`
    Question string `json:"question"`
}

// formatQuestion encodes the originating rule as a bracketed prefix. The
// prefix is load-bearing: satisfaction checks, overlap detection, and
// regeneration all string-match it against the rule name.
func formatQuestion(rule, question string) string { return "[" + rule + "] " + question }

var questionPrefixRe = regexp.MustCompile(`^\[([^\]]+)\]\s*`)

// ruleNameFromQuestion extracts the bracketed rule prefix, or "" if absent.
func ruleNameFromQuestion(q string) string {
    m := questionPrefixRe.FindStringSubmatch(q)
    if m == nil { return "" }
    return m[1]
}

// cannedQuestions expands missing items into template questions, in rule
// order, truncated to the per-issue cap.
func cannedQuestions(missing []domain.MissingItem) []GeneratedQuestion {
    var out []GeneratedQuestion
    for _, m := range missing {
        tpls := questionTemplates[m.Rule]
        if len(tpls) == 0 {
            tpls = []string{fmt.Sprintf("Can you provide the information needed to satisfy %q?", m.Rule)}
        }
        for _, t := range tpls {
            if len(out) >= maxQuestionsPerIssue { return out }
            out = append(out, GeneratedQuestion{Rule: m.Rule, Question: t})
        }
    }
    return out
}

var (
    redactEmailRe    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+`)
    redactQueryURLRe = regexp.MustCompile(`https?://[^\s]+\?[^\s]+`)
    redactTokenRe    = regexp.MustCompile(`(?i)\b(?:token|secret|password|apikey|api_key|bearer)[:=\s]+[A-Za-z0-9\-\._~+/]{8,}\b`)
    redactCloudKeyRe = regexp.MustCompile(`\b(?:AKIA|ASIA)[A-Z0-9]{16}\b`)
)

// redactText scrubs emails, credential-looking tokens, query-string URLs and
// cloud key patterns before the description leaves the process.
func redactText(s string) string {
    s = strings.ReplaceAll(s, "\r\n", "\n")
    s = redactEmailRe.ReplaceAllString(s, "<email>")
    s = redactQueryURLRe.ReplaceAllString(s, "<url>")
    s = redactTokenRe.ReplaceAllString(s, "<secret>")
    s = redactCloudKeyRe.ReplaceAllString(s, "<cloud-key>")
    return s
}

// GenerateQuestions creates clarifying questions for an issue's missing
// items. Idempotent: with questionsGenerated set and regenerate=false the
// persisted rows come back unchanged. Regeneration deletes only unanswered
// rows; answered rows survive and suppress their rules.
func (s *Service) GenerateQuestions(ctx context.Context, issueID int64, regenerate bool) ([]domain.QaAnswer, error) {
    var out []domain.QaAnswer
    err := s.store.WithIssueLock(ctx, issueID, func(ctx context.Context) error {
        // Flag check happens under the lock so two concurrent calls cannot
        // both see it unset and insert the same rows twice.
        issue, err := s.store.GetScannedIssue(ctx, issueID)
        if err != nil { return err }
        if issue.QuestionsGenerated && !regenerate {
            out, err = s.store.ListAnswers(ctx, issueID)
            return err
        }
        if regenerate {
            if err := s.store.DeleteUnanswered(ctx, issueID); err != nil { return err }
        }
        existing, err := s.store.ListAnswers(ctx, issueID)
        if err != nil { return err }
        answered := make([]string, 0, len(existing))
        for _, a := range existing {
            if strings.TrimSpace(a.Answer) != "" { answered = append(answered, a.Question) }
        }
        missing := issue.MissingItems
        if len(answered) > 0 {
            kept := missing[:0:0]
            for _, m := range missing {
                if !answerCovers(answered, m.Rule) { kept = append(kept, m) }
            }
            missing = kept
        }
        qs := s.synthesizeQuestions(ctx, *issue, missing)
        rows := make([]domain.QaAnswer, 0, len(qs))
        for _, q := range qs {
            rows = append(rows, domain.QaAnswer{IssueID: issueID, Question: formatQuestion(q.Rule, q.Question)})
        }
        inserted, err := s.store.InsertAnswers(ctx, issueID, rows)
        if err != nil { return err }
        if err := s.store.SetQuestionsGenerated(ctx, issueID, true); err != nil { return err }
        _ = s.store.InsertAudit(ctx, domain.AuditLog{Action: "generate_questions", EntityType: "issue", EntityID: issueID,
            Changes: map[string]any{"generated": len(inserted), "regenerate": regenerate}})
        out = append(existing, inserted...)
        return nil
    })
    if err != nil { return nil, err }
    return out, nil
}

// synthesizeQuestions prefers the pluggable generation delegate and falls
// back to canned templates on any failure, timeout, or empty result. Only a
// redacted copy of the description is handed to the delegate.
func (s *Service) synthesizeQuestions(ctx context.Context, issue domain.ScannedIssue, missing []domain.MissingItem) []GeneratedQuestion {
    if len(missing) == 0 { return nil }
    canned := cannedQuestions(missing)
    if s.llm == nil { return canned }
    ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenAITimeout)
    defer cancel()
    generated, err := s.llm.GenerateQuestions(ctx, issue.Summary, redactText(issue.Description), missing)
    if err != nil || len(generated) == 0 {
        if err != nil { s.log.Warn().Err(err).Str("key", issue.JiraKey).Msg("question delegate failed; using templates") }
        return canned
    }
    // Re-key delegate output per rule so list order still follows rule order.
    byRule := map[string][]string{}
    for _, g := range generated {
        q := strings.TrimSpace(g.Question)
        if q == "" { continue }
        byRule[g.Rule] = append(byRule[g.Rule], q)
    }
    var out []GeneratedQuestion
    for _, m := range missing {
        qs := byRule[m.Rule]
        if len(qs) == 0 {
            for _, c := range canned {
                if c.Rule == m.Rule { qs = append(qs, c.Question) }
            }
        }
        for _, q := range qs {
            if len(out) >= maxQuestionsPerIssue { return out }
            out = append(out, GeneratedQuestion{Rule: m.Rule, Question: q})
        }
    }
    return out
}
