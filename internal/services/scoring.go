/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package services

import (
    "regexp"
    "strconv"
    "strings"

    "github.com/HamedShams/ready-pulse/internal/domain"
)

// answerBoostDamping caps how far answered questions alone can move a score
// without the underlying fields changing.
const answerBoostDamping = 0.6

// Score computes the weighted readiness score on a 0..5 scale. Disabled rules
// contribute nothing; a malformed pattern makes its rule fail, never panics.
func Score(issue domain.NormalizedIssue, rules []domain.Rule) float64 {
    totalWeight := 0.0
    earned := 0.0
    for _, r := range rules {
        if !r.Enabled { continue }
        totalWeight += r.Weight
        if rulePasses(issue, r) { earned += r.Weight }
    }
    if totalWeight <= 0 { return 0 }
    return earned / totalWeight * 5
}

// MissingItems lists enabled rules that fail and are not satisfied by an
// answered question. A question satisfies a rule when its text contains the
// rule name, case-insensitively; that is how answers count without the
// source field changing. Order follows rule order.
func MissingItems(issue domain.NormalizedIssue, rules []domain.Rule, answered []string) []domain.MissingItem {
    var out []domain.MissingItem
    for _, r := range rules {
        if !r.Enabled || rulePasses(issue, r) { continue }
        if answerCovers(answered, r.Name) { continue }
        out = append(out, domain.MissingItem{Rule: r.Name, Severity: r.Severity, Suggestion: suggestionFor(r.Name)})
    }
    return out
}

// BoostScore lifts a raw re-scan score by the answered-question ratio.
// Monotonic and bounded: never below raw, never above 5.
func BoostScore(raw float64, answered, totalEnabled int) float64 {
    if totalEnabled < 1 { totalEnabled = 1 }
    boosted := raw + (float64(answered)/float64(totalEnabled))*(5-raw)*answerBoostDamping
    if boosted > 5 { boosted = 5 }
    if boosted < raw { boosted = raw }
    return boosted
}

// ResolveStatus maps a score onto the rule set's thresholds. A manual
// override freezes the current status. The WAITING_ON_SLACK side-channel is
// applied by the Slack send path, not here, and holds until the next scan.
func ResolveStatus(score float64, rs domain.RuleSet, current domain.Status, overridden bool) domain.Status {
    if overridden { return current }
    switch {
    case score >= rs.ThresholdReady:
        return domain.StatusReady
    case score >= rs.ThresholdClarification:
        return domain.StatusNeedsClarification
    default:
        return domain.StatusNeedsInfo
    }
}

func CountEnabled(rules []domain.Rule) int {
    n := 0
    for _, r := range rules { if r.Enabled { n++ } }
    return n
}

func rulePasses(issue domain.NormalizedIssue, r domain.Rule) bool {
    val, present := fieldValue(issue, r.TargetField)
    var pass bool
    if strings.TrimSpace(r.ExpectedPattern) != "" {
        re, err := regexp.Compile("(?i)" + sanitizePattern(r.ExpectedPattern))
        if err != nil { return false }
        pass = re.MatchString(val)
    } else {
        pass = present
    }
    if pass && r.MinLength != nil && len(val) < *r.MinLength { pass = false }
    return pass
}

// sanitizePattern strips the legacy inline case-insensitive marker carried by
// rules imported from the previous scanner. The engine always matches
// case-insensitively, so the marker is redundant, and regex dialects differ
// on where inline flags are legal.
func sanitizePattern(p string) string {
    p = strings.TrimSpace(p)
    if strings.HasPrefix(p, "/") && strings.HasSuffix(p, "/i") && len(p) > 3 {
        p = p[1 : len(p)-2]
    }
    return strings.ReplaceAll(p, "(?i)", "")
}

// fieldValue resolves a rule's target against the fixed schema first, then
// the extension map. A non-nil but empty labels slice counts as present: the
// previous scanner treated an empty array as truthy and stored fixtures
// depend on that, so it is kept as-is rather than fixed.
func fieldValue(issue domain.NormalizedIssue, name string) (string, bool) {
    switch strings.ToLower(strings.TrimSpace(name)) {
    case "summary":
        return issue.Summary, issue.Summary != ""
    case "description":
        return issue.Description, issue.Description != ""
    case "assignee":
        return issue.Assignee, issue.Assignee != ""
    case "priority":
        return issue.Priority, issue.Priority != ""
    case "labels":
        return strings.Join(issue.Labels, " "), issue.Labels != nil
    case "storypoints", "story_points":
        if issue.StoryPoints == nil { return "", false }
        return strconv.FormatFloat(*issue.StoryPoints, 'f', -1, 64), true
    }
    v, ok := issue.Custom[name]
    return v, ok && v != ""
}

func answerCovers(answered []string, ruleName string) bool {
    needle := strings.ToLower(ruleName)
    for _, a := range answered {
        if strings.Contains(strings.ToLower(a), needle) { return true }
    }
    return false
}

var suggestions = map[string]string{
    "Summary Present":        "Give the issue a short, descriptive summary.",
    "Description Detail":     "Expand the description: context, goal, and expected outcome.",
    "Acceptance Criteria":    "Add acceptance criteria, e.g. Given/When/Then bullets.",
    "Assignee Set":           "Assign the issue to the person who will pick it up.",
    "Priority Set":           "Set a priority so the team can order the backlog.",
    "Story Points Estimated": "Estimate the issue with the team before planning.",
    "Labels Tagged":          "Tag the issue with its component or team labels.",
    "Dependencies Noted":     "State upstream dependencies, or note that there are none.",
    "Test Notes":             "Describe how the change will be verified or tested.",
}

func suggestionFor(ruleName string) string {
    if s, ok := suggestions[ruleName]; ok { return s }
    return "Please address this requirement before the issue can be considered ready."
}

func intPtr(n int) *int { return &n }

// DefaultRules is the 9-rule Definition of Ready seeded for a project that
// has no rule set yet. Order is significant.
func DefaultRules() []domain.Rule {
    return []domain.Rule{
        {Name: "Summary Present", Description: "Issue has a summary", Enabled: true, Severity: domain.SeverityError, Weight: 1.0, DetectionMethod: domain.DetectionFieldPresence, TargetField: "summary", Position: 1},
        {Name: "Description Detail", Description: "Description long enough to act on", Enabled: true, Severity: domain.SeverityError, Weight: 1.0, DetectionMethod: domain.DetectionFieldPresence, TargetField: "description", MinLength: intPtr(50), Position: 2},
        {Name: "Acceptance Criteria", Description: "Description spells out acceptance criteria", Enabled: true, Severity: domain.SeverityError, Weight: 0.9, DetectionMethod: domain.DetectionFieldPresence, TargetField: "description", ExpectedPattern: `acceptance criteria|given.+when.+then`, Position: 3},
        {Name: "Assignee Set", Description: "Issue has an assignee", Enabled: true, Severity: domain.SeverityWarn, Weight: 0.6, DetectionMethod: domain.DetectionFieldPresence, TargetField: "assignee", Position: 4},
        {Name: "Priority Set", Description: "Issue has a priority", Enabled: true, Severity: domain.SeverityWarn, Weight: 0.6, DetectionMethod: domain.DetectionFieldPresence, TargetField: "priority", Position: 5},
        {Name: "Story Points Estimated", Description: "Issue carries a story point estimate", Enabled: true, Severity: domain.SeverityWarn, Weight: 0.8, DetectionMethod: domain.DetectionFieldPresence, TargetField: "storyPoints", Position: 6},
        {Name: "Labels Tagged", Description: "Issue is labeled", Enabled: true, Severity: domain.SeverityInfo, Weight: 0.4, DetectionMethod: domain.DetectionFieldPresence, TargetField: "labels", Position: 7},
        {Name: "Dependencies Noted", Description: "Dependencies called out in the description", Enabled: true, Severity: domain.SeverityInfo, Weight: 0.5, DetectionMethod: domain.DetectionFieldPresence, TargetField: "description", ExpectedPattern: `depend|blocked by|no dependencies`, Position: 8},
        {Name: "Test Notes", Description: "Verification approach described", Enabled: true, Severity: domain.SeverityInfo, Weight: 0.5, DetectionMethod: domain.DetectionFieldPresence, TargetField: "description", ExpectedPattern: `test|qa|verif`, Position: 9},
    }
}

// ValidateRuleSet rejects out-of-range weights and misordered thresholds
// before anything is persisted.
func ValidateRuleSet(rs domain.RuleSet) error {
    if rs.ThresholdReady <= 0 || rs.ThresholdReady > 5 {
        return &domain.ValidationError{Field: "thresholdReady", Reason: "must be in (0,5]"}
    }
    if rs.ThresholdClarification <= 0 || rs.ThresholdClarification > 5 {
        return &domain.ValidationError{Field: "thresholdClarification", Reason: "must be in (0,5]"}
    }
    if rs.ThresholdReady <= rs.ThresholdClarification {
        return &domain.ValidationError{Field: "thresholdReady", Reason: "must exceed thresholdClarification"}
    }
    for _, r := range rs.Rules {
        if strings.TrimSpace(r.Name) == "" {
            return &domain.ValidationError{Field: "rule.name", Reason: "must not be empty"}
        }
        if r.Weight < 0 || r.Weight > 1 {
            return &domain.ValidationError{Field: "rule.weight", Reason: "must be in [0,1]"}
        }
        if r.DetectionMethod != "" && r.DetectionMethod != domain.DetectionFieldPresence {
            return &domain.ValidationError{Field: "rule.detectionMethod", Reason: "unsupported method " + r.DetectionMethod}
        }
    }
    return nil
}
