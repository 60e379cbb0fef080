package domain

import (
    "errors"
    "fmt"
)

var (
    // ErrNotFound covers unknown issue or rule set ids.
    ErrNotFound = errors.New("not found")
    // ErrNoActiveRuleSet means scanning was requested for a project with no
    // active rule set configured.
    ErrNoActiveRuleSet = errors.New("no active rule set")
    // ErrNoDestination means a live Slack send found neither a user mapping,
    // a looked-up user, nor a default channel.
    ErrNoDestination = errors.New("no slack destination")
    // ErrNotConfigured means a live collaborator was invoked without its
    // credentials, e.g. a Slack send with no bot token.
    ErrNotConfigured = errors.New("collaborator not configured")
)

// ValidationError rejects bad rule or rule-set input before any mutation.
type ValidationError struct {
    Field  string
    Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

// UpstreamError wraps a failure from the issue provider, the messaging
// collaborator, or the question-generation delegate.
type UpstreamError struct {
    Op  string
    Err error
}

func (e *UpstreamError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *UpstreamError) Unwrap() error { return e.Err }
