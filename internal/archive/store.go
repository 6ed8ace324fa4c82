// Package archive persists captured items, delivery outcomes and endpoint
// health in a local SQLite database. The archive is strictly supporting
// infrastructure: its write errors are logged by callers and never stop the
// pipeline, and the process runs fine with the archive disabled entirely.
package archive

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"nitwatch/internal/clock"
	"nitwatch/internal/endpoint"
	"nitwatch/internal/model"
	"nitwatch/internal/push"
	"nitwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Config locates and tunes the database file.
type Config struct {
	Path        string
	BusyTimeout time.Duration
}

type Store struct {
	db  *sql.DB
	clk clock.Clock
	log logx.Logger
}

func Open(cfg Config, clk clock.Clock, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("archive path is required")
	}
	if clk == nil {
		clk = clock.System()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &Store{db: db, clk: clk, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveItem records the raw captured item. Re-saving the same (handle, id)
// is a no-op so repeated captures stay idempotent.
func (s *Store) SaveItem(ctx context.Context, it model.Item) error {
	if s == nil || s.db == nil {
		return nil
	}
	media, err := json.Marshal(it.Media)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items(handle, id, author, content, posted_at, captured_at, url,
		                   is_repost, repost_of, is_quote, quote_author, quote_text, media, screenshot)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(handle, id) DO NOTHING`,
		it.AccountHandle, it.ID, it.Author, it.Content, it.PostedAt,
		it.CapturedAt.Format(time.RFC3339Nano), it.URL,
		it.IsRepost, nullStr(it.RepostOf), it.IsQuote, nullStr(it.QuoteAuthor), nullStr(it.QuoteText),
		string(media), nullStr(it.ScreenshotRef),
	)
	return err
}

// MarkSent records that an item entered the delivery queue. The sent table
// is the durable side of the dedup cache.
func (s *Store) MarkSent(ctx context.Context, handle, itemID string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sent(handle, item_id, sent_at) VALUES(?,?,?)
		 ON CONFLICT(handle, item_id) DO NOTHING`,
		handle, itemID, s.clk.Now().Format(time.RFC3339Nano),
	)
	return err
}

// RecentSentIDs returns up to limit item ids for a handle, oldest of the
// window first, suitable for warming the in-memory dedup cache on startup.
func (s *Store) RecentSentIDs(ctx context.Context, handle string, limit int) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id FROM (
		   SELECT item_id, sent_at FROM sent WHERE handle = ?
		   ORDER BY sent_at DESC LIMIT ?
		 ) ORDER BY sent_at ASC`,
		handle, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LogPush appends one delivery outcome to the push log.
func (s *Store) LogPush(ctx context.Context, t push.Task) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_log(task_id, item_id, channel, attempt, state, err, at)
		 VALUES(?,?,?,?,?,?,?)`,
		t.ID, t.Payload.ItemID, t.Channel, t.Attempt, string(t.State), nullStr(t.LastErr),
		s.clk.Now().Format(time.RFC3339Nano),
	)
	return err
}

// SaveDeadLetter records a permanently failed delivery with its full payload
// so an operator can replay it by hand.
func (s *Store) SaveDeadLetter(ctx context.Context, t push.Task) error {
	if s == nil || s.db == nil {
		return nil
	}
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters(task_id, item_id, channel, attempts, last_err, payload, at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(task_id) DO NOTHING`,
		t.ID, t.Payload.ItemID, t.Channel, t.Attempt, nullStr(t.LastErr), string(payload),
		s.clk.Now().Format(time.RFC3339Nano),
	)
	return err
}

// SaveEndpointHealth upserts the pool's health snapshot.
func (s *Store) SaveEndpointHealth(ctx context.Context, snaps []endpoint.HealthSnapshot) error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, snap := range snaps {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO endpoint_health(address, consecutive_fails, last_checked, disabled_until)
			 VALUES(?,?,?,?)
			 ON CONFLICT(address) DO UPDATE SET
			   consecutive_fails=excluded.consecutive_fails,
			   last_checked=excluded.last_checked,
			   disabled_until=excluded.disabled_until`,
			snap.Address, snap.ConsecutiveFails,
			nullTime(snap.LastChecked), nullTime(snap.DisabledUntil),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// LoadEndpointHealth reads back the persisted pool state.
func (s *Store) LoadEndpointHealth(ctx context.Context) ([]endpoint.HealthSnapshot, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT address, consecutive_fails, last_checked, disabled_until FROM endpoint_health`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var snaps []endpoint.HealthSnapshot
	for rows.Next() {
		var (
			snap             endpoint.HealthSnapshot
			checked, blocked sql.NullString
		)
		if err := rows.Scan(&snap.Address, &snap.ConsecutiveFails, &checked, &blocked); err != nil {
			return nil, err
		}
		snap.LastChecked = parseTime(checked)
		snap.DisabledUntil = parseTime(blocked)
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
