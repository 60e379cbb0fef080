package services

import (
    "math"
    "strings"
    "testing"

    "github.com/HamedShams/ready-pulse/internal/domain"
)

// readyIssue satisfies all nine default rules.
func readyIssue() domain.NormalizedIssue {
    sp := 5.0
    return domain.NormalizedIssue{
        Key:     "PROJ-1",
        Summary: "Add retry to the payment webhook",
        Description: "As an operator I want webhook deliveries retried so transient outages do not drop events. " +
            "Acceptance criteria: given a 5xx response, when delivery fails, then it is retried three times. " +
            "Depends on nothing upstream. Verified with unit tests on the retry schedule.",
        Assignee:    "Dana",
        Priority:    "High",
        Labels:      []string{"payments"},
        StoryPoints: &sp,
    }
}

func TestScore_NoEnabledRules_IsZero(t *testing.T) {
    rules := DefaultRules()
    for i := range rules { rules[i].Enabled = false }
    if got := Score(readyIssue(), rules); got != 0 {
        t.Fatalf("expected 0 with no enabled rules, got %v", got)
    }
    if got := Score(readyIssue(), nil); got != 0 {
        t.Fatalf("expected 0 with no rules at all, got %v", got)
    }
}

func TestScore_AllDefaultRulesPass_IsFive(t *testing.T) {
    got := Score(readyIssue(), DefaultRules())
    if math.Abs(got-5.0) > 1e-9 {
        t.Fatalf("expected exactly 5.0, got %v (missing: %#v)", got, MissingItems(readyIssue(), DefaultRules(), nil))
    }
}

func TestScore_EqualWeightsHalfPassing_IsHalfScale(t *testing.T) {
    rules := []domain.Rule{
        {Name: "Summary Present", Enabled: true, Weight: 1.0, TargetField: "summary"},
        {Name: "Assignee Set", Enabled: true, Weight: 1.0, TargetField: "assignee"},
    }
    issue := domain.NormalizedIssue{Summary: "only a summary"}
    if got := Score(issue, rules); math.Abs(got-2.5) > 1e-9 {
        t.Fatalf("expected 2.5, got %v", got)
    }
}

func TestScore_PatternMatchesCaseInsensitively(t *testing.T) {
    rules := []domain.Rule{{Name: "AC", Enabled: true, Weight: 1.0, TargetField: "description", ExpectedPattern: "ACCEPTANCE CRITERIA"}}
    issue := domain.NormalizedIssue{Description: "the acceptance criteria are listed below"}
    if got := Score(issue, rules); got != 5 {
        t.Fatalf("uppercase pattern should match lowercase text, got %v", got)
    }
}

func TestScore_LegacyPatternMarkersAreStripped(t *testing.T) {
    issue := domain.NormalizedIssue{Description: "given a user, when they log in, then they see the dashboard"}
    for _, p := range []string{`/given/i`, `(?i)given`, `given`} {
        rules := []domain.Rule{{Name: "AC", Enabled: true, Weight: 1.0, TargetField: "description", ExpectedPattern: p}}
        if got := Score(issue, rules); got != 5 {
            t.Fatalf("pattern %q should pass, got %v", p, got)
        }
    }
}

func TestScore_MalformedPatternFailsRuleWithoutPanic(t *testing.T) {
    rules := []domain.Rule{
        {Name: "Broken", Enabled: true, Weight: 1.0, TargetField: "description", ExpectedPattern: "["},
        {Name: "Summary Present", Enabled: true, Weight: 1.0, TargetField: "summary"},
    }
    issue := domain.NormalizedIssue{Summary: "s", Description: "anything"}
    if got := Score(issue, rules); math.Abs(got-2.5) > 1e-9 {
        t.Fatalf("malformed pattern should fail only its own rule, got %v", got)
    }
}

func TestScore_EmptyLabelsSliceCountsAsPresent(t *testing.T) {
    rules := []domain.Rule{{Name: "Labels Tagged", Enabled: true, Weight: 1.0, TargetField: "labels"}}
    withEmpty := domain.NormalizedIssue{Labels: []string{}}
    if got := Score(withEmpty, rules); got != 5 {
        t.Fatalf("empty labels slice should count as present, got %v", got)
    }
    withNil := domain.NormalizedIssue{}
    if got := Score(withNil, rules); got != 0 {
        t.Fatalf("nil labels should count as absent, got %v", got)
    }
}

func TestScore_MinLengthDowngradesShortDescription(t *testing.T) {
    rules := []domain.Rule{{Name: "Description Detail", Enabled: true, Weight: 1.0, TargetField: "description", MinLength: intPtr(50)}}
    short := domain.NormalizedIssue{Description: "too short"}
    if got := Score(short, rules); got != 0 {
        t.Fatalf("short description should fail min length, got %v", got)
    }
}

func TestScore_PatternAndMinLengthBothRequired(t *testing.T) {
    rules := []domain.Rule{{
        Name: "Acceptance Criteria", Enabled: true, Weight: 1.0, TargetField: "description",
        ExpectedPattern: "acceptance criteria", MinLength: intPtr(60),
    }}
    matchButShort := domain.NormalizedIssue{Description: "Acceptance criteria: TBD"}
    if got := Score(matchButShort, rules); got != 0 {
        t.Fatalf("pattern match alone must not pass a min-length rule, got %v", got)
    }
    matchAndLong := domain.NormalizedIssue{Description: "Acceptance criteria: given a logged-in user, when the form is submitted, then a confirmation is shown."}
    if got := Score(matchAndLong, rules); got != 5 {
        t.Fatalf("pattern match with sufficient length should pass, got %v", got)
    }
    longNoMatch := domain.NormalizedIssue{Description: strings.Repeat("background context without the required section. ", 3)}
    if got := Score(longNoMatch, rules); got != 0 {
        t.Fatalf("length alone must not pass a pattern rule, got %v", got)
    }
}

func TestScore_StoryPointsFieldSpellings(t *testing.T) {
    sp := 3.0
    issue := domain.NormalizedIssue{StoryPoints: &sp}
    for _, f := range []string{"storyPoints", "story_points", "StoryPoints"} {
        rules := []domain.Rule{{Name: "SP", Enabled: true, Weight: 1.0, TargetField: f}}
        if got := Score(issue, rules); got != 5 {
            t.Fatalf("target field %q should resolve story points, got %v", f, got)
        }
    }
}

func TestScore_CustomFieldFallback(t *testing.T) {
    issue := domain.NormalizedIssue{Custom: map[string]string{"customfield_10099": "epic link"}}
    rules := []domain.Rule{{Name: "Epic", Enabled: true, Weight: 1.0, TargetField: "customfield_10099"}}
    if got := Score(issue, rules); got != 5 {
        t.Fatalf("custom field should count as present, got %v", got)
    }
}

func TestMissingItems_FollowRuleOrderAndSkipAnswered(t *testing.T) {
    issue := domain.NormalizedIssue{Summary: "s"}
    missing := MissingItems(issue, DefaultRules(), nil)
    if len(missing) != 8 {
        t.Fatalf("expected 8 missing items, got %d: %#v", len(missing), missing)
    }
    if missing[0].Rule != "Description Detail" || missing[1].Rule != "Acceptance Criteria" {
        t.Fatalf("missing items out of rule order: %#v", missing)
    }
    if missing[0].Suggestion == "" {
        t.Fatalf("missing item should carry a suggestion")
    }

    answered := []string{"[Assignee Set] Who is going to pick this issue up?"}
    withAnswers := MissingItems(issue, DefaultRules(), answered)
    for _, m := range withAnswers {
        if m.Rule == "Assignee Set" {
            t.Fatalf("answered rule should be suppressed: %#v", withAnswers)
        }
    }
    if len(withAnswers) != 7 {
        t.Fatalf("expected 7 after suppression, got %d", len(withAnswers))
    }
}

func TestBoostScore_MonotonicAndBounded(t *testing.T) {
    prev := BoostScore(2.0, 0, 9)
    if prev != 2.0 {
        t.Fatalf("zero answers must not change the raw score, got %v", prev)
    }
    for answered := 1; answered <= 9; answered++ {
        b := BoostScore(2.0, answered, 9)
        if b < prev {
            t.Fatalf("boost not monotonic at answered=%d: %v < %v", answered, b, prev)
        }
        if b > 5 {
            t.Fatalf("boost exceeded 5 at answered=%d: %v", answered, b)
        }
        prev = b
    }
    if b := BoostScore(4.9, 100, 1); b > 5 {
        t.Fatalf("boost must clamp at 5, got %v", b)
    }
    if b := BoostScore(3.0, 1, 0); b < 3.0 || b > 5 {
        t.Fatalf("zero enabled rules must not divide by zero, got %v", b)
    }
}

func TestResolveStatus_ThresholdsAndFreeze(t *testing.T) {
    rs := domain.RuleSet{ThresholdReady: 4.0, ThresholdClarification: 2.5}
    cases := []struct {
        score float64
        want  domain.Status
    }{
        {5.0, domain.StatusReady},
        {4.0, domain.StatusReady},
        {3.99, domain.StatusNeedsClarification},
        {2.5, domain.StatusNeedsClarification},
        {2.49, domain.StatusNeedsInfo},
        {0, domain.StatusNeedsInfo},
    }
    for _, c := range cases {
        if got := ResolveStatus(c.score, rs, domain.StatusNeedsInfo, false); got != c.want {
            t.Fatalf("score %v: expected %s, got %s", c.score, c.want, got)
        }
    }
    if got := ResolveStatus(5.0, rs, domain.StatusNeedsInfo, true); got != domain.StatusNeedsInfo {
        t.Fatalf("override must freeze status, got %s", got)
    }
}

func TestValidateRuleSet_Rejections(t *testing.T) {
    base := domain.RuleSet{ThresholdReady: 4.0, ThresholdClarification: 2.5, Rules: DefaultRules()}
    if err := ValidateRuleSet(base); err != nil {
        t.Fatalf("default rule set should validate: %v", err)
    }
    bad := base
    bad.ThresholdReady = 2.0
    if err := ValidateRuleSet(bad); err == nil {
        t.Fatalf("ready threshold below clarification should be rejected")
    }
    bad = base
    bad.ThresholdClarification = 0
    if err := ValidateRuleSet(bad); err == nil {
        t.Fatalf("zero clarification threshold should be rejected")
    }
    bad = base
    bad.Rules = []domain.Rule{{Name: "Over", Weight: 1.5, DetectionMethod: domain.DetectionFieldPresence}}
    if err := ValidateRuleSet(bad); err == nil {
        t.Fatalf("weight above 1 should be rejected")
    }
    bad = base
    bad.Rules = []domain.Rule{{Name: "Odd", Weight: 0.5, DetectionMethod: "llm_judgment"}}
    if err := ValidateRuleSet(bad); err == nil {
        t.Fatalf("unknown detection method should be rejected")
    }
}
