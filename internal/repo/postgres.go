package repo

import (
    "context"
    "encoding/json"
    "errors"
    "time"

    "github.com/HamedShams/ready-pulse/internal/config"
    "github.com/HamedShams/ready-pulse/internal/domain"
    "github.com/jackc/pgx/v5"
    "github.com/jackc/pgx/v5/pgconn"
    "github.com/jackc/pgx/v5/pgxpool"
    "github.com/rs/zerolog"
)

// querier is the query surface shared by the pool and an open transaction.
type querier interface {
    Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
    Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
    QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
    SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type txKey struct{}

type DB struct {
    Pool *pgxpool.Pool
    log  zerolog.Logger
}

func MustOpen(ctx context.Context, cfg config.Config, log zerolog.Logger) *DB {
    pool, err := pgxpool.New(ctx, cfg.DBDSN)
    if err != nil { log.Fatal().Err(err).Msg("db connect failed") }
    ctx2, cancel := context.WithTimeout(ctx, 10*time.Second); defer cancel()
    if err := pool.Ping(ctx2); err != nil { log.Fatal().Err(err).Msg("db ping failed") }
    return &DB{Pool: pool, log: log}
}

func (d *DB) Close() { d.Pool.Close() }

type Repository struct {
    db  *DB
    log zerolog.Logger
}

func NewRepository(d *DB, log zerolog.Logger) *Repository { return &Repository{db: d, log: log} }

// q returns the transaction bound to ctx by WithIssueLock, or the pool.
func (r *Repository) q(ctx context.Context) querier {
    if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok { return tx }
    return r.db.Pool
}

// EnsureSchema creates the tables on first boot. Rules and answers cascade
// with their parents; audit_log is append-only.
func (r *Repository) EnsureSchema(ctx context.Context) error {
    const ddl = `
    CREATE TABLE IF NOT EXISTS rule_sets(
        id BIGSERIAL PRIMARY KEY,
        project_key TEXT NOT NULL,
        version INT NOT NULL,
        is_active BOOLEAN NOT NULL DEFAULT false,
        threshold_ready DOUBLE PRECISION NOT NULL,
        threshold_clarification DOUBLE PRECISION NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        UNIQUE(project_key, version)
    );
    CREATE TABLE IF NOT EXISTS rules(
        id BIGSERIAL PRIMARY KEY,
        rule_set_id BIGINT NOT NULL REFERENCES rule_sets(id) ON DELETE CASCADE,
        name TEXT NOT NULL,
        description TEXT NOT NULL DEFAULT '',
        enabled BOOLEAN NOT NULL DEFAULT true,
        severity TEXT NOT NULL,
        weight DOUBLE PRECISION NOT NULL,
        detection_method TEXT NOT NULL DEFAULT 'field_presence',
        target_field TEXT NOT NULL,
        expected_pattern TEXT NOT NULL DEFAULT '',
        min_length INT,
        pos INT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS scanned_issues(
        id BIGSERIAL PRIMARY KEY,
        jira_key TEXT NOT NULL UNIQUE,
        summary TEXT NOT NULL DEFAULT '',
        description TEXT NOT NULL DEFAULT '',
        assignee TEXT NOT NULL DEFAULT '',
        assignee_email TEXT NOT NULL DEFAULT '',
        readiness_score DOUBLE PRECISION NOT NULL DEFAULT 0,
        status TEXT NOT NULL,
        missing_items JSONB NOT NULL DEFAULT '[]',
        questions_generated BOOLEAN NOT NULL DEFAULT false,
        slack_message_sent BOOLEAN NOT NULL DEFAULT false,
        manual_override BOOLEAN NOT NULL DEFAULT false,
        override_reason TEXT NOT NULL DEFAULT '',
        scanned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
        updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS qa_answers(
        id BIGSERIAL PRIMARY KEY,
        issue_id BIGINT NOT NULL REFERENCES scanned_issues(id) ON DELETE CASCADE,
        question TEXT NOT NULL,
        answer TEXT NOT NULL DEFAULT '',
        answered_at TIMESTAMPTZ,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS audit_log(
        id BIGSERIAL PRIMARY KEY,
        action TEXT NOT NULL,
        entity_type TEXT NOT NULL,
        entity_id BIGINT NOT NULL DEFAULT 0,
        user_id TEXT NOT NULL DEFAULT '',
        changes JSONB NOT NULL DEFAULT '{}',
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE TABLE IF NOT EXISTS slack_users(
        email TEXT PRIMARY KEY,
        user_id TEXT NOT NULL,
        created_at TIMESTAMPTZ NOT NULL DEFAULT now()
    );`
    _, err := r.db.Pool.Exec(ctx, ddl)
    return err
}

// issueLockClass namespaces per-issue advisory locks away from the cron lock.
const issueLockClass int32 = 7301

// WithIssueLock serializes per-issue mutations. The advisory lock is
// transaction-scoped and the transaction is bound to the callback's ctx, so
// every repo call inside fn runs on it: rollback undoes the whole mutation,
// not just the lock.
func (r *Repository) WithIssueLock(ctx context.Context, issueID int64, fn func(ctx context.Context) error) error {
    tx, err := r.db.Pool.Begin(ctx)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback(ctx) }()
    if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1, $2)", issueLockClass, int32(issueID)); err != nil { return err }
    if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil { return err }
    return tx.Commit(ctx)
}

func (r *Repository) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&ok)
    return ok, err
}

func (r *Repository) AdvisoryUnlock(ctx context.Context, key int64) error {
    var ok bool
    err := r.db.Pool.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", key).Scan(&ok)
    if !ok && err == nil { return errors.New("advisory unlock returned false") }
    return err
}

// ---- Rule sets ----

func (r *Repository) GetActiveRuleSet(ctx context.Context, projectKey string) (*domain.RuleSet, error) {
    const q = `SELECT id, project_key, version, is_active, threshold_ready, threshold_clarification, created_at
        FROM rule_sets WHERE project_key=$1 AND is_active ORDER BY version DESC LIMIT 1`
    var rs domain.RuleSet
    err := r.q(ctx).QueryRow(ctx, q, projectKey).Scan(&rs.ID, &rs.ProjectKey, &rs.Version, &rs.IsActive,
        &rs.ThresholdReady, &rs.ThresholdClarification, &rs.CreatedAt)
    if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNoActiveRuleSet }
    if err != nil { return nil, err }
    rules, err := r.rulesForSet(ctx, rs.ID)
    if err != nil { return nil, err }
    rs.Rules = rules
    return &rs, nil
}

func (r *Repository) rulesForSet(ctx context.Context, ruleSetID int64) ([]domain.Rule, error) {
    rows, err := r.q(ctx).Query(ctx, `SELECT id, rule_set_id, name, description, enabled, severity, weight,
        detection_method, target_field, expected_pattern, min_length, pos
        FROM rules WHERE rule_set_id=$1 ORDER BY pos`, ruleSetID)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.Rule
    for rows.Next() {
        var ru domain.Rule
        if err := rows.Scan(&ru.ID, &ru.RuleSetID, &ru.Name, &ru.Description, &ru.Enabled, &ru.Severity, &ru.Weight,
            &ru.DetectionMethod, &ru.TargetField, &ru.ExpectedPattern, &ru.MinLength, &ru.Position); err != nil { return nil, err }
        out = append(out, ru)
    }
    return out, rows.Err()
}

// CreateRuleSet inserts the set and its rules in one transaction; the version
// is the project's next one.
func (r *Repository) CreateRuleSet(ctx context.Context, rs domain.RuleSet) (*domain.RuleSet, error) {
    tx, err := r.db.Pool.Begin(ctx)
    if err != nil { return nil, err }
    defer func(){ _ = tx.Rollback(ctx) }()
    err = tx.QueryRow(ctx, `INSERT INTO rule_sets(project_key, version, is_active, threshold_ready, threshold_clarification)
        VALUES($1, (SELECT COALESCE(MAX(version),0)+1 FROM rule_sets WHERE project_key=$1), $2, $3, $4)
        RETURNING id, version, created_at`,
        rs.ProjectKey, rs.IsActive, rs.ThresholdReady, rs.ThresholdClarification).Scan(&rs.ID, &rs.Version, &rs.CreatedAt)
    if err != nil { return nil, err }
    batch := &pgx.Batch{}
    const q = `INSERT INTO rules(rule_set_id, name, description, enabled, severity, weight, detection_method,
        target_field, expected_pattern, min_length, pos)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`
    for i, ru := range rs.Rules {
        pos := ru.Position
        if pos == 0 { pos = i + 1 }
        method := ru.DetectionMethod
        if method == "" { method = domain.DetectionFieldPresence }
        batch.Queue(q, rs.ID, ru.Name, ru.Description, ru.Enabled, ru.Severity, ru.Weight, method,
            ru.TargetField, ru.ExpectedPattern, ru.MinLength, pos)
    }
    br := tx.SendBatch(ctx, batch)
    for i := range rs.Rules {
        if err := br.QueryRow().Scan(&rs.Rules[i].ID); err != nil { br.Close(); return nil, err }
        rs.Rules[i].RuleSetID = rs.ID
    }
    if err := br.Close(); err != nil { return nil, err }
    if err := tx.Commit(ctx); err != nil { return nil, err }
    return &rs, nil
}

func (r *Repository) ListRuleSets(ctx context.Context, projectKey string) ([]domain.RuleSet, error) {
    rows, err := r.q(ctx).Query(ctx, `SELECT id, project_key, version, is_active, threshold_ready, threshold_clarification, created_at
        FROM rule_sets WHERE project_key=$1 ORDER BY version DESC`, projectKey)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.RuleSet
    for rows.Next() {
        var rs domain.RuleSet
        if err := rows.Scan(&rs.ID, &rs.ProjectKey, &rs.Version, &rs.IsActive,
            &rs.ThresholdReady, &rs.ThresholdClarification, &rs.CreatedAt); err != nil { return nil, err }
        out = append(out, rs)
    }
    if err := rows.Err(); err != nil { return nil, err }
    for i := range out {
        rules, err := r.rulesForSet(ctx, out[i].ID)
        if err != nil { return nil, err }
        out[i].Rules = rules
    }
    return out, nil
}

// ActivateRuleSet flips activation atomically: only one set per project is
// active at a time.
func (r *Repository) ActivateRuleSet(ctx context.Context, id int64) error {
    tx, err := r.db.Pool.Begin(ctx)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback(ctx) }()
    var projectKey string
    err = tx.QueryRow(ctx, `SELECT project_key FROM rule_sets WHERE id=$1`, id).Scan(&projectKey)
    if errors.Is(err, pgx.ErrNoRows) { return domain.ErrNotFound }
    if err != nil { return err }
    if _, err := tx.Exec(ctx, `UPDATE rule_sets SET is_active=false WHERE project_key=$1`, projectKey); err != nil { return err }
    if _, err := tx.Exec(ctx, `UPDATE rule_sets SET is_active=true WHERE id=$1`, id); err != nil { return err }
    return tx.Commit(ctx)
}

func (r *Repository) DeleteRuleSet(ctx context.Context, id int64) error {
    ct, err := r.q(ctx).Exec(ctx, `DELETE FROM rule_sets WHERE id=$1`, id)
    if err != nil { return err }
    if ct.RowsAffected() == 0 { return domain.ErrNotFound }
    return nil
}

// ---- Scanned issues ----

const issueCols = `id, jira_key, summary, description, assignee, assignee_email, readiness_score, status,
    missing_items, questions_generated, slack_message_sent, manual_override, override_reason, scanned_at, updated_at`

func scanIssueRow(row pgx.Row) (*domain.ScannedIssue, error) {
    var si domain.ScannedIssue
    var items []byte
    err := row.Scan(&si.ID, &si.JiraKey, &si.Summary, &si.Description, &si.Assignee, &si.AssigneeEmail,
        &si.ReadinessScore, &si.Status, &items, &si.QuestionsGenerated, &si.SlackMessageSent,
        &si.ManualOverride, &si.OverrideReason, &si.ScannedAt, &si.UpdatedAt)
    if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNotFound }
    if err != nil { return nil, err }
    if len(items) > 0 {
        if err := json.Unmarshal(items, &si.MissingItems); err != nil { return nil, err }
    }
    return &si, nil
}

// UpsertScannedIssue inserts or updates by jira_key in a single statement, so
// a scan writes all fields or none. On conflict the override-frozen status
// and the sticky flags survive; only scan-owned fields refresh.
func (r *Repository) UpsertScannedIssue(ctx context.Context, si domain.ScannedIssue) (*domain.ScannedIssue, error) {
    items, err := json.Marshal(si.MissingItems)
    if err != nil { return nil, err }
    const q = `
        INSERT INTO scanned_issues(jira_key, summary, description, assignee, assignee_email,
            readiness_score, status, missing_items, scanned_at, updated_at)
        VALUES($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
        ON CONFLICT(jira_key) DO UPDATE SET
            summary=EXCLUDED.summary,
            description=EXCLUDED.description,
            assignee=EXCLUDED.assignee,
            assignee_email=EXCLUDED.assignee_email,
            readiness_score=EXCLUDED.readiness_score,
            status=CASE WHEN scanned_issues.manual_override THEN scanned_issues.status ELSE EXCLUDED.status END,
            missing_items=EXCLUDED.missing_items,
            scanned_at=now(),
            updated_at=now()
        RETURNING ` + issueCols
    row := r.q(ctx).QueryRow(ctx, q, si.JiraKey, si.Summary, si.Description, si.Assignee, si.AssigneeEmail,
        si.ReadinessScore, si.Status, items)
    return scanIssueRow(row)
}

func (r *Repository) GetScannedIssue(ctx context.Context, id int64) (*domain.ScannedIssue, error) {
    return scanIssueRow(r.q(ctx).QueryRow(ctx, `SELECT `+issueCols+` FROM scanned_issues WHERE id=$1`, id))
}

func (r *Repository) GetScannedIssueByKey(ctx context.Context, key string) (*domain.ScannedIssue, error) {
    return scanIssueRow(r.q(ctx).QueryRow(ctx, `SELECT `+issueCols+` FROM scanned_issues WHERE jira_key=$1`, key))
}

func (r *Repository) ListScannedIssues(ctx context.Context) ([]domain.ScannedIssue, error) {
    rows, err := r.q(ctx).Query(ctx, `SELECT `+issueCols+` FROM scanned_issues ORDER BY jira_key`)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.ScannedIssue
    for rows.Next() {
        si, err := scanIssueRow(rows)
        if err != nil { return nil, err }
        out = append(out, *si)
    }
    return out, rows.Err()
}

func (r *Repository) SetQuestionsGenerated(ctx context.Context, issueID int64, generated bool) error {
    ct, err := r.q(ctx).Exec(ctx, `UPDATE scanned_issues SET questions_generated=$2, updated_at=now() WHERE id=$1`, issueID, generated)
    if err != nil { return err }
    if ct.RowsAffected() == 0 { return domain.ErrNotFound }
    return nil
}

// MarkSlackSent forces the side-channel status; only the next scan recomputes it.
func (r *Repository) MarkSlackSent(ctx context.Context, issueID int64) error {
    ct, err := r.q(ctx).Exec(ctx, `UPDATE scanned_issues SET slack_message_sent=true, status=$2, updated_at=now() WHERE id=$1`,
        issueID, domain.StatusWaitingOnSlack)
    if err != nil { return err }
    if ct.RowsAffected() == 0 { return domain.ErrNotFound }
    return nil
}

func (r *Repository) OverrideStatus(ctx context.Context, issueID int64, status domain.Status, reason string) error {
    ct, err := r.q(ctx).Exec(ctx, `UPDATE scanned_issues SET status=$2, manual_override=true, override_reason=$3, updated_at=now() WHERE id=$1`,
        issueID, status, reason)
    if err != nil { return err }
    if ct.RowsAffected() == 0 { return domain.ErrNotFound }
    return nil
}

// ---- Q&A ----

func (r *Repository) ListAnswers(ctx context.Context, issueID int64) ([]domain.QaAnswer, error) {
    rows, err := r.q(ctx).Query(ctx, `SELECT id, issue_id, question, answer, answered_at, created_at
        FROM qa_answers WHERE issue_id=$1 ORDER BY id`, issueID)
    if err != nil { return nil, err }
    defer rows.Close()
    var out []domain.QaAnswer
    for rows.Next() {
        var qa domain.QaAnswer
        if err := rows.Scan(&qa.ID, &qa.IssueID, &qa.Question, &qa.Answer, &qa.AnsweredAt, &qa.CreatedAt); err != nil { return nil, err }
        out = append(out, qa)
    }
    return out, rows.Err()
}

func (r *Repository) InsertAnswers(ctx context.Context, issueID int64, qa []domain.QaAnswer) ([]domain.QaAnswer, error) {
    if len(qa) == 0 { return nil, nil }
    batch := &pgx.Batch{}
    const q = `INSERT INTO qa_answers(issue_id, question, answer) VALUES($1,$2,'')
        RETURNING id, issue_id, question, answer, answered_at, created_at`
    for _, x := range qa { batch.Queue(q, issueID, x.Question) }
    br := r.q(ctx).SendBatch(ctx, batch)
    defer br.Close()
    out := make([]domain.QaAnswer, 0, len(qa))
    for range qa {
        var row domain.QaAnswer
        if err := br.QueryRow().Scan(&row.ID, &row.IssueID, &row.Question, &row.Answer, &row.AnsweredAt, &row.CreatedAt); err != nil {
            return nil, err
        }
        out = append(out, row)
    }
    return out, nil
}

func (r *Repository) DeleteUnanswered(ctx context.Context, issueID int64) error {
    _, err := r.q(ctx).Exec(ctx, `DELETE FROM qa_answers WHERE issue_id=$1 AND answer=''`, issueID)
    return err
}

// SubmitAnswer fills exactly one still-empty answer; an unknown or already
// answered question is a not-found.
func (r *Repository) SubmitAnswer(ctx context.Context, issueID int64, question, answer string) (*domain.QaAnswer, error) {
    const q = `UPDATE qa_answers SET answer=$3, answered_at=now()
        WHERE issue_id=$1 AND question=$2 AND answer=''
        RETURNING id, issue_id, question, answer, answered_at, created_at`
    var qa domain.QaAnswer
    err := r.q(ctx).QueryRow(ctx, q, issueID, question, answer).Scan(&qa.ID, &qa.IssueID, &qa.Question, &qa.Answer, &qa.AnsweredAt, &qa.CreatedAt)
    if errors.Is(err, pgx.ErrNoRows) { return nil, domain.ErrNotFound }
    if err != nil { return nil, err }
    return &qa, nil
}

// ---- Slack user map ----

func (r *Repository) GetSlackUser(ctx context.Context, email string) (string, error) {
    var id string
    err := r.q(ctx).QueryRow(ctx, `SELECT user_id FROM slack_users WHERE email=$1`, email).Scan(&id)
    if errors.Is(err, pgx.ErrNoRows) { return "", domain.ErrNotFound }
    return id, err
}

func (r *Repository) SaveSlackUser(ctx context.Context, email, userID string) error {
    _, err := r.q(ctx).Exec(ctx, `INSERT INTO slack_users(email, user_id) VALUES($1,$2)
        ON CONFLICT(email) DO UPDATE SET user_id=EXCLUDED.user_id`, email, userID)
    return err
}

// ---- Audit ----

func (r *Repository) InsertAudit(ctx context.Context, entry domain.AuditLog) error {
    changes, err := json.Marshal(entry.Changes)
    if err != nil { return err }
    _, err = r.q(ctx).Exec(ctx, `INSERT INTO audit_log(action, entity_type, entity_id, user_id, changes)
        VALUES($1,$2,$3,$4,$5)`, entry.Action, entry.EntityType, entry.EntityID, entry.UserID, changes)
    return err
}
