package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	_ "modernc.org/sqlite"

	"github.com/fakeyudi/codexd/internal/analyzer"
	"github.com/fakeyudi/codexd/internal/session/migrations"
)

var (
	// ErrUnavailable is returned when the backing database cannot be opened,
	// locked or written.
	ErrUnavailable = errors.New("session store unavailable")
	// ErrSessionNotFound is returned for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when writing to a completed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrIssueNotFound is returned when no flagged issue has the signature.
	ErrIssueNotFound = errors.New("flagged issue not found")
	// ErrInvalidRating is returned for a self-assessment rating outside
	// [MinRating, MaxRating].
	ErrInvalidRating = errors.New("rating out of range")
)

// Store is the longitudinal record of sessions, findings and flagged issues.
// Writes for one repository identity are serialized; reads see a consistent
// snapshot.
type Store interface {
	CreateSession(ctx context.Context, repoIdentity string) (*Session, error)
	AppendFindings(ctx context.Context, sessionID string, findings []analyzer.Finding) error
	AppendMessage(ctx context.Context, m Message) error
	RecordToolCall(ctx context.Context, tc ToolCallEvent) error
	SetState(ctx context.Context, sessionID string, state State) error
	FlagIssue(ctx context.Context, sessionID string, f analyzer.Finding) (FlaggedIssue, error)
	CompleteSession(ctx context.Context, sessionID string, state State) error
	LoadSession(ctx context.Context, sessionID string) (*Session, error)
	RepoContext(ctx context.Context, repoIdentity string) (RepoContext, error)
	ScanHistory(ctx context.Context, repoIdentity string, limit int) ([]SessionSummary, error)
	Issues(ctx context.Context, repoIdentity string, filter IssueFilter) ([]FlaggedIssue, error)
	RecurringIssues(ctx context.Context, repoIdentity, category string) ([]FlaggedIssue, error)
	RecordFixAttempt(ctx context.Context, fa FixAttempt) (FixAttempt, error)
	FixAttempts(ctx context.Context, repoIdentity, signature string, limit int) ([]FixAttempt, error)
	RecordSelfAssessment(ctx context.Context, sessionID string, a SelfAssessment) (SelfAssessment, error)
	Close() error
}

// Options configures a SQLiteStore.
type Options struct {
	Logger *zap.Logger
	// Now stamps created_at columns. If nil, time.Now is used.
	Now func() time.Time
}

// SQLiteStore implements Store on a SQLite database file.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	identities sync.Map // session id -> repo identity
	reads      singleflight.Group
}

var _ Store = (*SQLiteStore)(nil)

// DefaultPath returns $XDG_DATA_HOME/codexd/codexd.db, falling back to
// ~/.local/share/codexd/codexd.db.
func DefaultPath() (string, error) {
	dir, err := dataDir()
	if err != nil {
		return "", fmt.Errorf("resolving data directory: %w", err)
	}
	return filepath.Join(dir, "codexd.db"), nil
}

// dataDir returns the codexd-specific XDG data directory.
func dataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "codexd"), nil
}

// Open opens (creating if needed) the database at path and applies pending
// migrations. path ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: creating data directory: %w", ErrUnavailable, err)
		}
		dsn = "file:" + path +
			"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.Named("store"),
		now:    now,
		locks:  make(map[string]*sync.Mutex),
	}
	if err := s.runMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

// lock acquires the write lock for a repository identity.
func (s *SQLiteStore) lock(identity string) func() {
	s.locksMu.Lock()
	mu, ok := s.locks[identity]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[identity] = mu
	}
	s.locksMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

type sessionRow struct {
	id          string
	identity    string
	state       State
	createdAt   int64
	completedAt sql.NullInt64

	selfRating     sql.NullInt64
	selfPotential  string
	selfReasoning  string
	selfAssessedAt sql.NullInt64
}

func (r sessionRow) selfAssessment() *SelfAssessment {
	if !r.selfRating.Valid {
		return nil
	}
	return &SelfAssessment{
		Rating:     int(r.selfRating.Int64),
		Potential:  r.selfPotential,
		Reasoning:  r.selfReasoning,
		RecordedAt: fromNanos(r.selfAssessedAt.Int64),
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSessionRow(ctx context.Context, q querier, id string) (sessionRow, error) {
	var r sessionRow
	err := q.QueryRowContext(ctx,
		`SELECT id, repo_identity, state, created_at, completed_at,
			self_rating, self_potential, self_reasoning, self_assessed_at
		FROM sessions WHERE id = ?`, id,
	).Scan(&r.id, &r.identity, &r.state, &r.createdAt, &r.completedAt,
		&r.selfRating, &r.selfPotential, &r.selfReasoning, &r.selfAssessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return r, unavailable("loading session", err)
	}
	return r, nil
}

// identityOf resolves a session's repository identity, caching the answer.
func (s *SQLiteStore) identityOf(ctx context.Context, sessionID string) (string, error) {
	if v, ok := s.identities.Load(sessionID); ok {
		return v.(string), nil
	}
	row, err := loadSessionRow(ctx, s.db, sessionID)
	if err != nil {
		return "", err
	}
	s.identities.Store(sessionID, row.identity)
	return row.identity, nil
}

// writeSession runs fn in a transaction under the session's identity lock.
// It fails with ErrSessionClosed once the session has been completed.
func (s *SQLiteStore) writeSession(ctx context.Context, sessionID string, fn func(tx *sql.Tx, row sessionRow) error) error {
	identity, err := s.identityOf(ctx, sessionID)
	if err != nil {
		return err
	}
	unlock := s.lock(identity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin", err)
	}
	defer tx.Rollback()

	row, err := loadSessionRow(ctx, tx, sessionID)
	if err != nil {
		return err
	}
	if row.completedAt.Valid {
		return fmt.Errorf("%w: %s", ErrSessionClosed, sessionID)
	}
	if err := fn(tx, row); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// readTx runs fn against a read snapshot.
func (s *SQLiteStore) readTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return unavailable("begin read", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// CreateSession allocates a new session in StateIdle.
func (s *SQLiteStore) CreateSession(ctx context.Context, repoIdentity string) (*Session, error) {
	if strings.TrimSpace(repoIdentity) == "" {
		return nil, errors.New("repository identity is required")
	}
	unlock := s.lock(repoIdentity)
	defer unlock()

	sess := &Session{
		ID:           uuid.NewString(),
		RepoIdentity: repoIdentity,
		CreatedAt:    s.now().UTC(),
		State:        StateIdle,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, repo_identity, state, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.RepoIdentity, sess.State, sess.CreatedAt.UnixNano(),
	); err != nil {
		return nil, unavailable("creating session", err)
	}
	s.identities.Store(sess.ID, repoIdentity)
	s.logger.Debug("session created", zap.String("session", sess.ID), zap.String("repo", repoIdentity))
	return sess, nil
}

// mergeFindings collapses duplicate signatures, keeping the highest severity.
// Order of first appearance is preserved.
func mergeFindings(findings []analyzer.Finding) ([]analyzer.Finding, []string) {
	index := make(map[string]int, len(findings))
	var merged []analyzer.Finding
	var sigs []string
	for _, f := range findings {
		sig := Signature(f)
		if i, ok := index[sig]; ok {
			if f.Severity > merged[i].Severity {
				merged[i] = f
			}
			continue
		}
		index[sig] = len(merged)
		merged = append(merged, f)
		sigs = append(sigs, sig)
	}
	return merged, sigs
}

// AppendFindings records findings for a session at most once per signature.
// A repeated signature keeps the higher-severity finding.
func (s *SQLiteStore) AppendFindings(ctx context.Context, sessionID string, findings []analyzer.Finding) error {
	merged, sigs := mergeFindings(findings)
	if len(merged) == 0 {
		return nil
	}
	return s.writeSession(ctx, sessionID, func(tx *sql.Tx, _ sessionRow) error {
		now := s.now().UnixNano()
		for i, f := range merged {
			evidence, err := json.Marshal(f.Evidence)
			if err != nil {
				return fmt.Errorf("encoding evidence for %s: %w", f.Kind, err)
			}
			commits := f.Commits
			if commits == nil {
				commits = []string{}
			}
			commitsJSON, err := json.Marshal(commits)
			if err != nil {
				return fmt.Errorf("encoding commits for %s: %w", f.Kind, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO findings (session_id, signature, kind, severity, evidence, commits, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (session_id, signature) DO UPDATE SET
					severity = excluded.severity,
					evidence = excluded.evidence,
					commits  = excluded.commits
				WHERE excluded.severity > findings.severity`,
				sessionID, sigs[i], string(f.Kind), f.Severity, string(evidence), string(commitsJSON), now,
			); err != nil {
				return unavailable("appending finding", err)
			}
		}
		return nil
	})
}

// AppendMessage adds a transcript message.
func (s *SQLiteStore) AppendMessage(ctx context.Context, m Message) error {
	return s.writeSession(ctx, m.SessionID, func(tx *sql.Tx, _ sessionRow) error {
		created := m.CreatedAt
		if created.IsZero() {
			created = s.now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
			m.SessionID, m.Seq, string(m.Role), m.Content, created.UnixNano(),
		); err != nil {
			return unavailable("appending message", err)
		}
		return nil
	})
}

// RecordToolCall inserts a tool call or updates its status and output.
func (s *SQLiteStore) RecordToolCall(ctx context.Context, tc ToolCallEvent) error {
	return s.writeSession(ctx, tc.SessionID, func(tx *sql.Tx, _ sessionRow) error {
		now := s.now()
		created, updated := tc.CreatedAt, tc.UpdatedAt
		if created.IsZero() {
			created = now
		}
		if updated.IsZero() {
			updated = now
		}
		var input any
		if len(tc.Input) > 0 {
			input = string(tc.Input)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tool_calls (id, session_id, seq, name, input, output, error, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				output     = excluded.output,
				error      = excluded.error,
				status     = excluded.status,
				updated_at = excluded.updated_at`,
			tc.ID, tc.SessionID, tc.Seq, tc.Name, input, tc.Output, tc.Error, string(tc.Status),
			created.UnixNano(), updated.UnixNano(),
		); err != nil {
			return unavailable("recording tool call", err)
		}
		return nil
	})
}

// SetState records the session's current state machine position.
func (s *SQLiteStore) SetState(ctx context.Context, sessionID string, state State) error {
	return s.writeSession(ctx, sessionID, func(tx *sql.Tx, _ sessionRow) error {
		if _, err := tx.ExecContext(ctx, `UPDATE sessions SET state = ? WHERE id = ?`, string(state), sessionID); err != nil {
			return unavailable("updating state", err)
		}
		return nil
	})
}

// CompleteSession marks the session finished. No further writes are accepted.
func (s *SQLiteStore) CompleteSession(ctx context.Context, sessionID string, state State) error {
	return s.writeSession(ctx, sessionID, func(tx *sql.Tx, _ sessionRow) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET state = ?, completed_at = ? WHERE id = ?`,
			string(state), s.now().UnixNano(), sessionID,
		); err != nil {
			return unavailable("completing session", err)
		}
		return nil
	})
}

// RecordSelfAssessment stores the user's rating of their own project on an
// open session, replacing any earlier one.
func (s *SQLiteStore) RecordSelfAssessment(ctx context.Context, sessionID string, a SelfAssessment) (SelfAssessment, error) {
	if a.Rating < MinRating || a.Rating > MaxRating {
		return SelfAssessment{}, fmt.Errorf("%w: %d not in [%d, %d]", ErrInvalidRating, a.Rating, MinRating, MaxRating)
	}
	a.Potential = strings.TrimSpace(a.Potential)
	a.Reasoning = strings.TrimSpace(a.Reasoning)
	a.RecordedAt = s.now().UTC()
	err := s.writeSession(ctx, sessionID, func(tx *sql.Tx, _ sessionRow) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions
			SET self_rating = ?, self_potential = ?, self_reasoning = ?, self_assessed_at = ?
			WHERE id = ?`,
			a.Rating, a.Potential, a.Reasoning, a.RecordedAt.UnixNano(), sessionID,
		); err != nil {
			return unavailable("recording self-assessment", err)
		}
		return nil
	})
	if err != nil {
		return SelfAssessment{}, err
	}
	return a, nil
}

// FlagIssue links f to the repository's flagged issue with the same
// signature, creating it on first sight. Occurrences are counted once per
// session, and first/last seen follow session creation order.
func (s *SQLiteStore) FlagIssue(ctx context.Context, sessionID string, f analyzer.Finding) (FlaggedIssue, error) {
	sig := Signature(f)
	metricKey, metric := TrendMetric(f)
	var issue FlaggedIssue
	err := s.writeSession(ctx, sessionID, func(tx *sql.Tx, row sessionRow) error {
		now := s.now().UnixNano()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO flagged_issues (repo_identity, signature, kind, first_seen_session, last_seen_session,
				occurrence_count, status, metric_key, latest_metric, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			ON CONFLICT (repo_identity, signature) DO NOTHING`,
			row.identity, sig, NormalizeKind(string(f.Kind)), sessionID, sessionID,
			string(IssueOpen), metricKey, metric, now, now,
		); err != nil {
			return unavailable("creating flagged issue", err)
		}

		var issueID int64
		if err := tx.QueryRowContext(ctx,
			`SELECT id FROM flagged_issues WHERE repo_identity = ? AND signature = ?`, row.identity, sig,
		).Scan(&issueID); err != nil {
			return unavailable("resolving flagged issue", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO issue_occurrences (issue_id, session_id, session_created_at, metric, severity)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (issue_id, session_id) DO UPDATE SET
				metric   = excluded.metric,
				severity = excluded.severity`,
			issueID, sessionID, row.createdAt, metric, f.Severity,
		); err != nil {
			return unavailable("recording occurrence", err)
		}

		var err error
		issue, err = refreshIssue(ctx, tx, issueID, metricKey, now)
		return err
	})
	if err != nil {
		return FlaggedIssue{}, err
	}
	s.logger.Info("issue flagged",
		zap.String("session", sessionID),
		zap.String("signature", issue.Signature),
		zap.Int("occurrences", issue.OccurrenceCount),
		zap.String("status", string(issue.Status)),
	)
	return issue, nil
}

// refreshIssue recomputes the derived columns of a flagged issue from its
// occurrences.
func refreshIssue(ctx context.Context, tx *sql.Tx, issueID int64, metricKey string, now int64) (FlaggedIssue, error) {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM issue_occurrences WHERE issue_id = ?`, issueID,
	).Scan(&count); err != nil {
		return FlaggedIssue{}, unavailable("counting occurrences", err)
	}

	var first string
	if err := tx.QueryRowContext(ctx, `
		SELECT session_id FROM issue_occurrences WHERE issue_id = ?
		ORDER BY session_created_at ASC, session_id ASC LIMIT 1`, issueID,
	).Scan(&first); err != nil {
		return FlaggedIssue{}, unavailable("finding first occurrence", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT session_id, metric FROM issue_occurrences WHERE issue_id = ?
		ORDER BY session_created_at DESC, session_id DESC LIMIT 2`, issueID)
	if err != nil {
		return FlaggedIssue{}, unavailable("reading occurrences", err)
	}
	var last string
	var metrics []float64
	for rows.Next() {
		var sid string
		var m float64
		if err := rows.Scan(&sid, &m); err != nil {
			rows.Close()
			return FlaggedIssue{}, unavailable("reading occurrences", err)
		}
		if last == "" {
			last = sid
		}
		metrics = append(metrics, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return FlaggedIssue{}, unavailable("reading occurrences", err)
	}

	var previous *float64
	if len(metrics) > 1 {
		previous = &metrics[1]
	}
	status := trendStatus(metrics[0], previous)

	if _, err := tx.ExecContext(ctx, `
		UPDATE flagged_issues SET
			first_seen_session = ?, last_seen_session = ?, occurrence_count = ?,
			status = ?, metric_key = ?, latest_metric = ?, updated_at = ?
		WHERE id = ?`,
		first, last, count, string(status), metricKey, metrics[0], now, issueID,
	); err != nil {
		return FlaggedIssue{}, unavailable("updating flagged issue", err)
	}

	return scanIssue(tx.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM flagged_issues WHERE id = ?`, issueID))
}

const issueColumns = `id, repo_identity, signature, kind, first_seen_session, last_seen_session,
	occurrence_count, status, metric_key, latest_metric, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanIssue(sc scanner) (FlaggedIssue, error) {
	var i FlaggedIssue
	var status string
	var created, updated int64
	if err := sc.Scan(&i.ID, &i.RepoIdentity, &i.Signature, &i.Kind, &i.FirstSeenSession, &i.LastSeenSession,
		&i.OccurrenceCount, &status, &i.MetricKey, &i.LatestMetric, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return i, ErrIssueNotFound
		}
		return i, unavailable("scanning flagged issue", err)
	}
	i.Status = IssueStatus(status)
	i.CreatedAt = fromNanos(created)
	i.UpdatedAt = fromNanos(updated)
	return i, nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

// LoadSession reads a session with its transcript, findings and the issues
// it flagged.
func (s *SQLiteStore) LoadSession(ctx context.Context, sessionID string) (*Session, error) {
	var sess *Session
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		row, err := loadSessionRow(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		sess = &Session{
			ID:           row.id,
			RepoIdentity: row.identity,
			CreatedAt:    fromNanos(row.createdAt),
			CompletedAt:  nullTime(row.completedAt),
			State:        row.state,
			Messages:     []Message{},
			Findings:     []analyzer.Finding{},
			ToolCalls:    []ToolCallEvent{},
			Issues:       []FlaggedIssue{},

			SelfAssessment: row.selfAssessment(),
		}
		if sess.Messages, err = loadMessages(ctx, tx, sessionID); err != nil {
			return err
		}
		if sess.ToolCalls, err = loadToolCalls(ctx, tx, sessionID); err != nil {
			return err
		}
		if sess.Findings, err = loadFindings(ctx, tx, sessionID); err != nil {
			return err
		}
		sess.Issues, err = queryIssues(ctx, tx, `
			SELECT `+prefixed("i", issueColumns)+` FROM flagged_issues i
			JOIN issue_occurrences o ON o.issue_id = i.id
			WHERE o.session_id = ? ORDER BY i.id`, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// prefixed qualifies a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

func loadMessages(ctx context.Context, q querier, sessionID string) ([]Message, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT seq, role, content, created_at FROM messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, unavailable("reading messages", err)
	}
	defer rows.Close()
	out := []Message{}
	for rows.Next() {
		m := Message{SessionID: sessionID}
		var role string
		var created int64
		if err := rows.Scan(&m.Seq, &role, &m.Content, &created); err != nil {
			return nil, unavailable("reading messages", err)
		}
		m.Role = Role(role)
		m.CreatedAt = fromNanos(created)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading messages", err)
	}
	return out, nil
}

func loadToolCalls(ctx context.Context, q querier, sessionID string) ([]ToolCallEvent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, seq, name, input, output, error, status, created_at, updated_at
		FROM tool_calls WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, unavailable("reading tool calls", err)
	}
	defer rows.Close()
	out := []ToolCallEvent{}
	for rows.Next() {
		tc := ToolCallEvent{SessionID: sessionID}
		var input sql.NullString
		var status string
		var created, updated int64
		if err := rows.Scan(&tc.ID, &tc.Seq, &tc.Name, &input, &tc.Output, &tc.Error, &status, &created, &updated); err != nil {
			return nil, unavailable("reading tool calls", err)
		}
		if input.Valid {
			tc.Input = json.RawMessage(input.String)
		}
		tc.Status = ToolStatus(status)
		tc.CreatedAt = fromNanos(created)
		tc.UpdatedAt = fromNanos(updated)
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading tool calls", err)
	}
	return out, nil
}

func loadFindings(ctx context.Context, q querier, sessionID string) ([]analyzer.Finding, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT kind, severity, evidence, commits FROM findings WHERE session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, unavailable("reading findings", err)
	}
	defer rows.Close()
	out := []analyzer.Finding{}
	for rows.Next() {
		var f analyzer.Finding
		var kind, evidence, commits string
		if err := rows.Scan(&kind, &f.Severity, &evidence, &commits); err != nil {
			return nil, unavailable("reading findings", err)
		}
		f.Kind = analyzer.Kind(kind)
		if err := json.Unmarshal([]byte(evidence), &f.Evidence); err != nil {
			return nil, fmt.Errorf("decoding evidence for %s: %w", kind, err)
		}
		if err := json.Unmarshal([]byte(commits), &f.Commits); err != nil {
			return nil, fmt.Errorf("decoding commits for %s: %w", kind, err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading findings", err)
	}
	return out, nil
}

func queryIssues(ctx context.Context, q querier, query string, args ...any) ([]FlaggedIssue, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("reading flagged issues", err)
	}
	defer rows.Close()
	out := []FlaggedIssue{}
	for rows.Next() {
		issue, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, issue)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading flagged issues", err)
	}
	return out, nil
}

// RepoContext summarizes prior sessions for a repository. A repository with
// no history yields an empty context and no error. Concurrent calls for the
// same identity share one query, which is not cancelled with any one caller.
func (s *SQLiteStore) RepoContext(ctx context.Context, repoIdentity string) (RepoContext, error) {
	ch := s.reads.DoChan("ctx:"+repoIdentity, func() (any, error) {
		return s.repoContext(context.WithoutCancel(ctx), repoIdentity)
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return RepoContext{}, r.Err
		}
		return r.Val.(RepoContext), nil
	case <-ctx.Done():
		return RepoContext{}, ctx.Err()
	}
}

func (s *SQLiteStore) repoContext(ctx context.Context, repoIdentity string) (RepoContext, error) {
	rc := RepoContext{
		RepoIdentity: repoIdentity,
		OpenIssues:   []FlaggedIssue{},
		RecentFixes:  []FixAttempt{},
	}
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM sessions WHERE repo_identity = ?`, repoIdentity,
		).Scan(&rc.SessionCount); err != nil {
			return unavailable("counting sessions", err)
		}
		if rc.SessionCount == 0 {
			return nil
		}

		var err error
		rc.OpenIssues, err = queryIssues(ctx, tx, `
			SELECT `+issueColumns+` FROM flagged_issues
			WHERE repo_identity = ? AND status != ?
			ORDER BY occurrence_count DESC, updated_at DESC, id`, repoIdentity, string(IssueResolved))
		if err != nil {
			return err
		}

		summaries, err := summaries(ctx, tx, repoIdentity, 1)
		if err != nil {
			return err
		}
		if len(summaries) > 0 {
			rc.LastSession = &summaries[0]
		}

		rc.RecentFixes, err = fixAttempts(ctx, tx, repoIdentity, "", 5)
		return err
	})
	return rc, err
}

// ScanHistory lists a repository's sessions newest first. limit <= 0 lists
// all of them.
func (s *SQLiteStore) ScanHistory(ctx context.Context, repoIdentity string, limit int) ([]SessionSummary, error) {
	var out []SessionSummary
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = summaries(ctx, tx, repoIdentity, limit)
		return err
	})
	return out, err
}

func summaries(ctx context.Context, q querier, repoIdentity string, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT s.id, s.created_at, s.completed_at, s.state,
			(SELECT COUNT(*) FROM findings f WHERE f.session_id = s.id),
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id),
			(SELECT COALESCE(group_concat(DISTINCT f.kind), '') FROM findings f WHERE f.session_id = s.id)
		FROM sessions s
		WHERE s.repo_identity = ?
		ORDER BY s.created_at DESC, s.id DESC
		LIMIT ?`, repoIdentity, limit)
	if err != nil {
		return nil, unavailable("reading scan history", err)
	}
	defer rows.Close()
	out := []SessionSummary{}
	for rows.Next() {
		var sum SessionSummary
		var created int64
		var completed sql.NullInt64
		var state, kinds string
		if err := rows.Scan(&sum.ID, &created, &completed, &state, &sum.FindingCount, &sum.MessageCount, &kinds); err != nil {
			return nil, unavailable("reading scan history", err)
		}
		sum.CreatedAt = fromNanos(created)
		sum.CompletedAt = nullTime(completed)
		sum.State = State(state)
		sum.Kinds = []string{}
		if kinds != "" {
			sum.Kinds = strings.Split(kinds, ",")
			sort.Strings(sum.Kinds)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading scan history", err)
	}
	return out, nil
}

// Issues lists a repository's flagged issues, most frequent first.
func (s *SQLiteStore) Issues(ctx context.Context, repoIdentity string, filter IssueFilter) ([]FlaggedIssue, error) {
	var out []FlaggedIssue
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = queryIssues(ctx, tx, `
			SELECT `+issueColumns+` FROM flagged_issues
			WHERE repo_identity = ? AND occurrence_count >= ?
				AND (? = '' OR instr(lower(signature), lower(?)) > 0)
			ORDER BY occurrence_count DESC, updated_at DESC, id`,
			repoIdentity, filter.MinOccurrences, filter.Category, filter.Category)
		return err
	})
	return out, err
}

// RecurringIssues lists issues seen in more than one session, optionally
// narrowed to signatures containing category.
func (s *SQLiteStore) RecurringIssues(ctx context.Context, repoIdentity, category string) ([]FlaggedIssue, error) {
	return s.Issues(ctx, repoIdentity, IssueFilter{Category: category, MinOccurrences: 2})
}

// RecordFixAttempt stores a fix tried against an existing flagged issue.
func (s *SQLiteStore) RecordFixAttempt(ctx context.Context, fa FixAttempt) (FixAttempt, error) {
	if strings.TrimSpace(fa.Description) == "" {
		return FixAttempt{}, errors.New("fix attempt description is required")
	}
	if fa.Outcome == "" {
		fa.Outcome = "untested"
	}
	unlock := s.lock(fa.RepoIdentity)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FixAttempt{}, unavailable("begin", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT 1 FROM flagged_issues WHERE repo_identity = ? AND signature = ?`, fa.RepoIdentity, fa.Signature,
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return FixAttempt{}, fmt.Errorf("%w: %s", ErrIssueNotFound, fa.Signature)
	}
	if err != nil {
		return FixAttempt{}, unavailable("resolving flagged issue", err)
	}

	fa.CreatedAt = s.now().UTC()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO fix_attempts (repo_identity, signature, description, outcome, created_at) VALUES (?, ?, ?, ?, ?)`,
		fa.RepoIdentity, fa.Signature, fa.Description, fa.Outcome, fa.CreatedAt.UnixNano(),
	)
	if err != nil {
		return FixAttempt{}, unavailable("recording fix attempt", err)
	}
	if fa.ID, err = res.LastInsertId(); err != nil {
		return FixAttempt{}, unavailable("recording fix attempt", err)
	}
	if err := tx.Commit(); err != nil {
		return FixAttempt{}, unavailable("commit", err)
	}
	return fa, nil
}

// FixAttempts lists fix attempts newest first, optionally for one signature.
func (s *SQLiteStore) FixAttempts(ctx context.Context, repoIdentity, signature string, limit int) ([]FixAttempt, error) {
	var out []FixAttempt
	err := s.readTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = fixAttempts(ctx, tx, repoIdentity, signature, limit)
		return err
	})
	return out, err
}

func fixAttempts(ctx context.Context, q querier, repoIdentity, signature string, limit int) ([]FixAttempt, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT id, signature, description, outcome, created_at FROM fix_attempts
		WHERE repo_identity = ? AND (? = '' OR signature = ?)
		ORDER BY created_at DESC, id DESC LIMIT ?`, repoIdentity, signature, signature, limit)
	if err != nil {
		return nil, unavailable("reading fix attempts", err)
	}
	defer rows.Close()
	out := []FixAttempt{}
	for rows.Next() {
		fa := FixAttempt{RepoIdentity: repoIdentity}
		var created int64
		if err := rows.Scan(&fa.ID, &fa.Signature, &fa.Description, &fa.Outcome, &created); err != nil {
			return nil, unavailable("reading fix attempts", err)
		}
		fa.CreatedAt = fromNanos(created)
		out = append(out, fa)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("reading fix attempts", err)
	}
	return out, nil
}
