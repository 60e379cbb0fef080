/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package jira

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "net/http"
    "net/url"
    "strings"
    "sync"
    "time"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
    "github.com/rs/zerolog"
)

type Client struct {
    baseURL string
    token   string
    basic   string
    user    string
    pass    string
    http    *http.Client
    log     zerolog.Logger
    apiVer  string
    jql     string

    mu            sync.Mutex
    storyPointsID string
}

func NewClient(cfg config.Config, log zerolog.Logger) *Client {
    return &Client{
        baseURL: cfg.JiraBaseURL,
        token:   cfg.JiraPAT,
        basic:   cfg.JiraBasicAuth,
        user:    cfg.JiraUsername,
        pass:    cfg.JiraPassword,
        http:    &http.Client{Timeout: cfg.HTTPTimeout},
        log:     log,
        apiVer:  cfg.JiraAPIVersion,
        jql:     cfg.JiraDefaultJQL,
    }
}

// ListIssues pages through the search API and returns normalized issues
// ready for scoring. An empty query falls back to the configured JQL.
func (c *Client) ListIssues(ctx context.Context, query string) ([]domain.NormalizedIssue, error) {
    jql := strings.TrimSpace(query)
    if jql == "" { jql = strings.TrimSpace(c.jql) }
    if jql == "" { return nil, errors.New("jira: empty jql") }
    spField := c.storyPointsField(ctx)
    out := make([]domain.NormalizedIssue, 0, 64)
    start := 0
    const page = 50
    for {
        res, err := c.search(ctx, jql, start, page)
        if err != nil { return nil, err }
        issues, _ := res["issues"].([]any)
        for _, i0 := range issues {
            m, _ := i0.(map[string]any)
            if m == nil { continue }
            out = append(out, c.normalize(m, spField))
        }
        if len(issues) < page { break }
        start += page
    }
    return out, nil
}

// GetIssue fetches one issue by key and normalizes it.
func (c *Client) GetIssue(ctx context.Context, key string) (*domain.NormalizedIssue, error) {
    if key == "" { return nil, errors.New("jira: empty issue key") }
    q := url.Values{}
    q.Set("fields", "*all")
    path := "/rest/api/3/issue/" + url.PathEscape(key)
    if c.apiVer == "2" { path = "/rest/api/2/issue/" + url.PathEscape(key) }
    u := c.apiURL(path, q)
    res, err := c.doJSON(ctx, http.MethodGet, u, nil)
    if err != nil { return nil, err }
    ni := c.normalize(res, c.storyPointsField(ctx))
    return &ni, nil
}

func (c *Client) search(ctx context.Context, jql string, startAt, max int) (map[string]any, error) {
    if c.apiVer == "2" {
        q := url.Values{}
        q.Set("jql", jql)
        if startAt > 0 { q.Set("startAt", fmt.Sprint(startAt)) }
        if max > 0 { q.Set("maxResults", fmt.Sprint(max)) }
        q.Set("fields", "*all")
        u := c.apiURL("/rest/api/2/search", q)
        return c.doJSON(ctx, http.MethodGet, u, nil)
    }
    // default to v3
    body := map[string]any{"jql": jql, "startAt": startAt, "maxResults": max}
    u := c.apiURL("/rest/api/3/search", url.Values{"fields": []string{"*all"}})
    return c.doJSON(ctx, http.MethodPost, u, body)
}

// normalize flattens a raw issue payload into the fixed field set the rules
// engine understands. Unknown scalar fields land in Custom.
func (c *Client) normalize(m map[string]any, spField string) domain.NormalizedIssue {
    ni := domain.NormalizedIssue{Custom: map[string]string{}}
    ni.Key, _ = m["key"].(string)
    fields, _ := m["fields"].(map[string]any)
    if fields == nil { return ni }
    ni.Summary, _ = fields["summary"].(string)
    ni.Description = flattenText(fields["description"])
    if a, _ := fields["assignee"].(map[string]any); a != nil {
        ni.Assignee, _ = a["displayName"].(string)
        ni.AssigneeEmail, _ = a["emailAddress"].(string)
    }
    if p, _ := fields["priority"].(map[string]any); p != nil {
        ni.Priority, _ = p["name"].(string)
    }
    if ls, ok := fields["labels"].([]any); ok {
        labels := make([]string, 0, len(ls))
        for _, l0 := range ls {
            if s, _ := l0.(string); s != "" { labels = append(labels, s) }
        }
        ni.Labels = labels
    }
    if spField != "" {
        if v, ok := fields[spField].(float64); ok {
            sp := v
            ni.StoryPoints = &sp
        }
    }
    for k, v := range fields {
        if !strings.HasPrefix(k, "customfield_") || k == spField { continue }
        switch vv := v.(type) {
        case string:
            if vv != "" { ni.Custom[k] = vv }
        case float64:
            ni.Custom[k] = strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", vv), "0"), ".")
        }
    }
    return ni
}

// flattenText handles both v2 plain-string descriptions and v3 ADF documents.
func flattenText(v any) string {
    switch d := v.(type) {
    case string:
        return d
    case map[string]any:
        var sb strings.Builder
        walkADF(d, &sb)
        return strings.TrimSpace(sb.String())
    }
    return ""
}

func walkADF(node map[string]any, sb *strings.Builder) {
    if t, _ := node["type"].(string); t == "text" {
        if s, _ := node["text"].(string); s != "" { sb.WriteString(s) }
        return
    }
    content, _ := node["content"].([]any)
    for _, c0 := range content {
        if c, _ := c0.(map[string]any); c != nil { walkADF(c, sb) }
    }
    // block nodes separate with newlines so paragraph breaks survive
    switch t, _ := node["type"].(string); t {
    case "paragraph", "heading", "listItem", "codeBlock", "blockquote":
        sb.WriteString("\n")
    }
}

// storyPointsField discovers the Story Points custom field id once and caches
// it. Falls back to the common cloud default when discovery fails.
func (c *Client) storyPointsField(ctx context.Context) string {
    c.mu.Lock()
    defer c.mu.Unlock()
    if c.storyPointsID != "" { return c.storyPointsID }
    c.storyPointsID = "customfield_10016"
    fields, err := c.fields(ctx)
    if err != nil {
        c.log.Warn().Err(err).Msg("jira field discovery failed, using default story points field")
        return c.storyPointsID
    }
    for _, f := range fields {
        name, _ := f["name"].(string)
        id, _ := f["id"].(string)
        n := strings.ToLower(strings.TrimSpace(name))
        if (n == "story points" || n == "story point estimate") && strings.HasPrefix(id, "customfield_") {
            c.storyPointsID = id
            break
        }
    }
    return c.storyPointsID
}

func (c *Client) apiURL(path string, q url.Values) string {
    base := strings.TrimRight(c.baseURL, "/")
    if !strings.HasPrefix(path, "/") { path = "/" + path }
    u := base + path
    if q != nil && len(q) > 0 { u = u + "?" + q.Encode() }
    return u
}

func (c *Client) doJSON(ctx context.Context, method, u string, body any) (map[string]any, error) {
    if c.baseURL == "" { return nil, errors.New("jira: empty baseURL") }
    var payload []byte
    if body != nil {
        b, err := json.Marshal(body)
        if err != nil { return nil, err }
        payload = b
    }
    var lastErr error
    for attempt := 0; attempt < 3; attempt++ {
        var r io.Reader
        if payload != nil { r = strings.NewReader(string(payload)) }
        req, err := http.NewRequestWithContext(ctx, method, u, r)
        if err != nil { return nil, err }
        if payload != nil { req.Header.Set("Content-Type", "application/json") }
        c.authorize(req)
        resp, err := c.http.Do(req)
        if err != nil { lastErr = err } else {
            if resp.StatusCode < 300 {
                var out map[string]any
                derr := json.NewDecoder(resp.Body).Decode(&out)
                resp.Body.Close()
                if derr != nil { return nil, derr }
                return out, nil
            }
            b, _ := io.ReadAll(resp.Body)
            resp.Body.Close()
            apiErr := fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
            // retry on 429/5xx only
            if resp.StatusCode != 429 && resp.StatusCode < 500 { return nil, apiErr }
            lastErr = apiErr
        }
        // backoff
        time.Sleep(time.Duration(300*(1<<attempt)) * time.Millisecond)
    }
    return nil, lastErr
}

func (c *Client) authorize(req *http.Request) {
    if c.token != "" {
        req.Header.Set("Authorization", "Bearer "+c.token)
    } else if c.user != "" && c.pass != "" {
        req.SetBasicAuth(c.user, c.pass)
    } else if c.basic != "" {
        req.Header.Set("Authorization", "Basic "+c.basic)
    }
}

// fields lists all Jira fields; the endpoint returns a bare array so it does
// not go through doJSON.
func (c *Client) fields(ctx context.Context) ([]map[string]any, error) {
    u := c.apiURL("/rest/api/2/field", nil)
    req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
    if err != nil { return nil, err }
    c.authorize(req)
    resp, err := c.http.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    if resp.StatusCode >= 300 {
        b, _ := io.ReadAll(resp.Body)
        return nil, fmt.Errorf("jira api status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
    }
    var out []map[string]any
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil { return nil, err }
    return out, nil
}
