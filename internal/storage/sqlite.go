package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"linkwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteRepo struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the SQLite store at cfg.Path and applies the
// embedded schema.
func Open(cfg Config, log logx.Logger) (Repository, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}

	r := &sqliteRepo{db: db, log: log}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *sqliteRepo) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, string(b))
	return err
}

func (r *sqliteRepo) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *sqliteRepo) ListDueLinks(ctx context.Context, now time.Time, minInterval time.Duration) ([]TrackedLink, error) {
	cutoff := now.Add(-minInterval).UnixMilli()
	rows, err := r.db.QueryContext(ctx,
		`SELECT link_id, chat_id, url, last_updated, filters, created_at
		 FROM tracked_links
		 WHERE COALESCE(last_updated, created_at) <= ?
		 ORDER BY (last_updated IS NOT NULL), COALESCE(last_updated, created_at) ASC, link_id ASC`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackedLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) AdvanceWatermark(ctx context.Context, linkID int64, ts time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tracked_links SET last_updated = ?
		 WHERE link_id = ? AND (last_updated IS NULL OR last_updated < ?)`,
		ts.UnixMilli(), linkID, ts.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *sqliteRepo) ListSubscriptions(ctx context.Context, linkID int64) ([]Subscription, error) {
	// The owning chat is always a subscriber; extra rows in link_mute_statuses
	// for other chats represent followed links.
	rows, err := r.db.QueryContext(ctx,
		`SELECT l.chat_id, COALESCE(m.muted, 0), l.filters
		 FROM tracked_links l
		 LEFT JOIN link_mute_statuses m ON m.link_id = l.link_id AND m.chat_id = l.chat_id
		 WHERE l.link_id = ?
		 UNION
		 SELECT m.chat_id, m.muted, l.filters
		 FROM link_mute_statuses m
		 JOIN tracked_links l ON l.link_id = m.link_id
		 WHERE m.link_id = ? AND m.chat_id != l.chat_id
		 ORDER BY 1`,
		linkID, linkID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var s Subscription
		var muted int
		if err := rows.Scan(&s.ChatID, &muted, &s.Filters); err != nil {
			return nil, err
		}
		s.Muted = muted != 0
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) ListTagsForLink(ctx context.Context, linkID int64) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT t.tag_name FROM tags t
		 JOIN links_tags lt ON lt.tag_id = t.tag_id
		 WHERE lt.link_id = ? ORDER BY t.tag_name`,
		linkID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) RegisterChat(ctx context.Context, chatID int64, username string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users(chat_id, username, created_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET username = excluded.username`,
		chatID, nullStr(username), time.Now().UnixMilli(),
	)
	return err
}

func (r *sqliteRepo) DeleteChat(ctx context.Context, chatID int64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Mute rows on this chat's own links go away via the link cascade; rows
	// this chat holds on other chats' links must go explicitly.
	if _, err := tx.ExecContext(ctx, `DELETE FROM link_mute_statuses WHERE chat_id = ?`, chatID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE chat_id = ?`, chatID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrChatNotFound
	}
	return tx.Commit()
}

func (r *sqliteRepo) AddLink(ctx context.Context, chatID int64, url, filters string) (TrackedLink, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return TrackedLink{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE chat_id = ?`, chatID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return TrackedLink{}, ErrChatNotFound
	}
	if err != nil {
		return TrackedLink{}, err
	}

	err = tx.QueryRowContext(ctx, `SELECT 1 FROM tracked_links WHERE chat_id = ? AND url = ?`, chatID, url).Scan(&exists)
	if err == nil {
		return TrackedLink{}, ErrDuplicateLink
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return TrackedLink{}, err
	}

	createdAt := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tracked_links(chat_id, url, last_updated, filters, created_at) VALUES(?,?,NULL,?,?)`,
		chatID, url, filters, createdAt.UnixMilli(),
	)
	if err != nil {
		return TrackedLink{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return TrackedLink{}, err
	}
	if err := tx.Commit(); err != nil {
		return TrackedLink{}, err
	}
	return TrackedLink{ID: id, ChatID: chatID, URL: url, Filters: filters, CreatedAt: createdAt}, nil
}

func (r *sqliteRepo) RemoveLink(ctx context.Context, chatID int64, url string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tracked_links WHERE chat_id = ? AND url = ?`, chatID, url)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLinkNotFound
	}
	return nil
}

func (r *sqliteRepo) ListLinks(ctx context.Context, chatID int64) ([]TrackedLink, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT link_id, chat_id, url, last_updated, filters, created_at
		 FROM tracked_links WHERE chat_id = ? ORDER BY link_id`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TrackedLink
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *sqliteRepo) AddTagToLink(ctx context.Context, linkID int64, tagName string) error {
	name := NormalizeTag(tagName)
	if name == "" {
		return errors.New("tag name is empty")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tags(tag_name) VALUES(?) ON CONFLICT(tag_name) DO NOTHING`, name); err != nil {
		return err
	}
	var tagID int64
	if err := tx.QueryRowContext(ctx, `SELECT tag_id FROM tags WHERE tag_name = ?`, name).Scan(&tagID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO links_tags(link_id, tag_id) VALUES(?,?) ON CONFLICT DO NOTHING`, linkID, tagID); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *sqliteRepo) RemoveTagFromLink(ctx context.Context, linkID int64, tagName string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM links_tags WHERE link_id = ? AND tag_id IN (SELECT tag_id FROM tags WHERE tag_name = ?)`,
		linkID, NormalizeTag(tagName),
	)
	return err
}

func (r *sqliteRepo) SetMuted(ctx context.Context, linkID, chatID int64, muted bool) error {
	m := 0
	if muted {
		m = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO link_mute_statuses(link_id, chat_id, muted) VALUES(?,?,?)
		 ON CONFLICT(link_id, chat_id) DO UPDATE SET muted = excluded.muted`,
		linkID, chatID, m,
	)
	return err
}

// NormalizeTag lower-cases and trims a tag name; tag uniqueness is enforced on
// the normalized form.
func NormalizeTag(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func scanLink(rows *sql.Rows) (TrackedLink, error) {
	var l TrackedLink
	var lastUpdated sql.NullInt64
	var createdAt int64
	if err := rows.Scan(&l.ID, &l.ChatID, &l.URL, &lastUpdated, &l.Filters, &createdAt); err != nil {
		return TrackedLink{}, err
	}
	if lastUpdated.Valid {
		t := time.UnixMilli(lastUpdated.Int64).UTC()
		l.LastUpdated = &t
	}
	l.CreatedAt = time.UnixMilli(createdAt).UTC()
	return l, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
