package postgres

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"
)

// ErrSessionNotFound is returned when a journal lookup yields no results.
var ErrSessionNotFound = errors.New("session not found")

// SessionRecord is one journal row: a single gateway session attempt.
type SessionRecord struct {
	ID               string
	TokenFingerprint string
	WSURL            string
	SelfID           string
	SelfUsername     string
	StartedAt        time.Time
	// ConnectedAt is nil until the session received its Ready event.
	ConnectedAt *time.Time
	// EndedAt is nil while the session is running.
	EndedAt   *time.Time
	EndReason string
	// Latency is the last measured heartbeat round trip, nil when none was measured.
	Latency *time.Duration
}

// TokenFingerprint returns the hex BLAKE2b-256 digest of token. The journal
// stores only the fingerprint.
//
// Postcondition: Returns a 64-character lowercase hex string.
func TokenFingerprint(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// SessionJournal records gateway session attempts.
type SessionJournal struct {
	db *pgxpool.Pool
}

// NewSessionJournal creates a SessionJournal backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the
// gateway_sessions migration applied.
func NewSessionJournal(db *pgxpool.Pool) *SessionJournal {
	return &SessionJournal{db: db}
}

// Begin inserts the row for a new session.
//
// Precondition: id must be a UUID not yet in the journal.
// Postcondition: The row exists with StartedAt set and no end.
func (j *SessionJournal) Begin(ctx context.Context, id, token string) error {
	_, err := j.db.Exec(ctx,
		`INSERT INTO gateway_sessions (id, token_fingerprint) VALUES ($1, $2)`,
		id, TokenFingerprint(token),
	)
	if err != nil {
		return fmt.Errorf("beginning session %s: %w", id, err)
	}
	return nil
}

// Connected records the socket URL and the bot identity announced by Ready.
// Only the first call per session takes effect.
//
// Postcondition: Returns ErrSessionNotFound when no row has id.
func (j *SessionJournal) Connected(ctx context.Context, id, wsURL, selfID, selfUsername string) error {
	tag, err := j.db.Exec(ctx,
		`UPDATE gateway_sessions
		 SET ws_url = $2, self_id = $3, self_username = $4, connected_at = NOW()
		 WHERE id = $1 AND connected_at IS NULL`,
		id, wsURL, selfID, selfUsername,
	)
	if err != nil {
		return fmt.Errorf("recording connection of session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return j.exists(ctx, id)
	}
	return nil
}

// End closes the session row. latency <= 0 records no latency.
//
// Postcondition: Returns ErrSessionNotFound when no open row has id.
func (j *SessionJournal) End(ctx context.Context, id, reason string, latency time.Duration) error {
	var ms *int64
	if latency > 0 {
		v := latency.Milliseconds()
		ms = &v
	}
	tag, err := j.db.Exec(ctx,
		`UPDATE gateway_sessions
		 SET ended_at = NOW(), end_reason = $2, latency_ms = COALESCE($3, latency_ms)
		 WHERE id = $1 AND ended_at IS NULL`,
		id, reason, ms,
	)
	if err != nil {
		return fmt.Errorf("ending session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// Get returns the row for id.
//
// Postcondition: Returns ErrSessionNotFound when no row has id.
func (j *SessionJournal) Get(ctx context.Context, id string) (SessionRecord, error) {
	rows, err := j.db.Query(ctx, selectSessions+` WHERE id = $1`, id)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("querying session %s: %w", id, err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, ErrSessionNotFound
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("scanning session %s: %w", id, err)
	}
	return rec, nil
}

// Recent returns up to limit rows, newest first.
//
// Precondition: limit > 0.
func (j *SessionJournal) Recent(ctx context.Context, limit int) ([]SessionRecord, error) {
	rows, err := j.db.Query(ctx, selectSessions+` ORDER BY started_at DESC, id LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent sessions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("scanning recent sessions: %w", err)
	}
	return recs, nil
}

func (j *SessionJournal) exists(ctx context.Context, id string) error {
	var found bool
	if err := j.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM gateway_sessions WHERE id = $1)`, id,
	).Scan(&found); err != nil {
		return fmt.Errorf("looking up session %s: %w", id, err)
	}
	if !found {
		return ErrSessionNotFound
	}
	return nil
}

const selectSessions = `SELECT id::text, token_fingerprint, ws_url, self_id, self_username,
	started_at, connected_at, ended_at, end_reason, latency_ms
	FROM gateway_sessions`

func scanSession(row pgx.CollectableRow) (SessionRecord, error) {
	var (
		rec SessionRecord
		ms  *int64
	)
	err := row.Scan(
		&rec.ID, &rec.TokenFingerprint, &rec.WSURL, &rec.SelfID, &rec.SelfUsername,
		&rec.StartedAt, &rec.ConnectedAt, &rec.EndedAt, &rec.EndReason, &ms,
	)
	if err != nil {
		return SessionRecord{}, err
	}
	if ms != nil {
		d := time.Duration(*ms) * time.Millisecond
		rec.Latency = &d
	}
	return rec, nil
}
