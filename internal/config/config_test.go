package config

import (
    "testing"
    "time"
)

func TestLoad_Defaults(t *testing.T) {
    for _, k := range []string{"JIRA_API_VERSION", "SLACK_MOCK_MODE", "OPENAI_TIMEOUT", "THRESHOLD_READY", "THRESHOLD_CLARIFICATION"} {
        t.Setenv(k, "")
    }
    cfg := Load()
    if cfg.JiraAPIVersion != "2" {
        t.Fatalf("default api version should be 2, got %q", cfg.JiraAPIVersion)
    }
    if !cfg.SlackMockMode {
        t.Fatalf("mock mode should default on")
    }
    if cfg.OpenAITimeout != 15*time.Second {
        t.Fatalf("unexpected default openai timeout: %v", cfg.OpenAITimeout)
    }
    if cfg.ThresholdReady != 4.0 || cfg.ThresholdClarification != 2.5 {
        t.Fatalf("unexpected default thresholds: %v / %v", cfg.ThresholdReady, cfg.ThresholdClarification)
    }
}

func TestLoad_JiraCredentialsComeFromEnv(t *testing.T) {
    t.Setenv("JIRA_PAT", "pat-token")
    t.Setenv("JIRA_BASIC_AUTH", "dXNlcjpwYXNz")
    cfg := Load()
    if cfg.JiraPAT != "pat-token" {
        t.Fatalf("JIRA_PAT not loaded: %q", cfg.JiraPAT)
    }
    if cfg.JiraBasicAuth != "dXNlcjpwYXNz" {
        t.Fatalf("JIRA_BASIC_AUTH not loaded: %q", cfg.JiraBasicAuth)
    }
}

func TestLoad_MalformedNumbersFallBack(t *testing.T) {
    t.Setenv("THRESHOLD_READY", "not-a-number")
    t.Setenv("WORKERS_SCAN", "many")
    t.Setenv("HTTP_TIMEOUT", "soon")
    cfg := Load()
    if cfg.ThresholdReady != 4.0 {
        t.Fatalf("malformed float should fall back, got %v", cfg.ThresholdReady)
    }
    if cfg.WorkersScan != 6 {
        t.Fatalf("malformed int should fall back, got %v", cfg.WorkersScan)
    }
    if cfg.HTTPTimeout != 15*time.Second {
        t.Fatalf("malformed duration should fall back, got %v", cfg.HTTPTimeout)
    }
}
