package domain

import "time"

type Status string

const (
    StatusNeedsInfo          Status = "NEEDS_INFO"
    StatusNeedsClarification Status = "NEEDS_CLARIFICATION"
    StatusReady              Status = "READY"
    StatusWaitingOnSlack     Status = "WAITING_ON_SLACK"
)

type Severity string

const (
    SeverityError Severity = "error"
    SeverityWarn  Severity = "warn"
    SeverityInfo  Severity = "info"
)

// DetectionFieldPresence is the only detection method currently supported.
const DetectionFieldPresence = "field_presence"

type Rule struct {
    ID              int64
    RuleSetID       int64
    Name            string
    Description     string
    Enabled         bool
    Severity        Severity
    Weight          float64
    DetectionMethod string
    TargetField     string
    ExpectedPattern string
    MinLength       *int
    Position        int
}

// RuleSet owns an ordered sequence of rules. Rule order matters downstream:
// generated questions are truncated in rule order.
type RuleSet struct {
    ID                     int64
    ProjectKey             string
    Version                int
    IsActive               bool
    ThresholdReady         float64
    ThresholdClarification float64
    Rules                  []Rule
    CreatedAt              time.Time
}

type MissingItem struct {
    Rule       string   `json:"rule"`
    Severity   Severity `json:"severity"`
    Suggestion string   `json:"suggestion"`
}

type ScannedIssue struct {
    ID                 int64         `json:"id"`
    JiraKey            string        `json:"jira_key"`
    Summary            string        `json:"summary"`
    Description        string        `json:"description"`
    Assignee           string        `json:"assignee"`
    AssigneeEmail      string        `json:"assignee_email,omitempty"`
    ReadinessScore     float64       `json:"readiness_score"`
    Status             Status        `json:"status"`
    MissingItems       []MissingItem `json:"missing_items"`
    QuestionsGenerated bool          `json:"questions_generated"`
    SlackMessageSent   bool          `json:"slack_message_sent"`
    ManualOverride     bool          `json:"manual_override"`
    OverrideReason     string        `json:"override_reason,omitempty"`
    ScannedAt          time.Time     `json:"scanned_at"`
    UpdatedAt          time.Time     `json:"updated_at"`
}

// QaAnswer holds one generated question and its eventual answer. The question
// text carries the originating rule name as a bracketed prefix
// ("[Priority Set] ..."); existing persisted rows depend on that wire format.
type QaAnswer struct {
    ID         int64      `json:"id"`
    IssueID    int64      `json:"issue_id"`
    Question   string     `json:"question"`
    Answer     string     `json:"answer"`
    AnsweredAt *time.Time `json:"answered_at,omitempty"`
    CreatedAt  time.Time  `json:"created_at"`
}

type AuditLog struct {
    ID         int64
    Action     string
    EntityType string
    EntityID   int64
    UserID     string
    Changes    map[string]any
    CreatedAt  time.Time
}

// NormalizedIssue is the provider-agnostic issue record the engine scores.
// Custom carries forward-compatible fields keyed by name so rules can target
// fields outside the fixed schema.
type NormalizedIssue struct {
    Key           string
    Summary       string
    Description   string
    Assignee      string
    AssigneeEmail string
    Priority      string
    Labels        []string
    StoryPoints   *float64
    Custom        map[string]string
}
