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

	logx "dailytrack/pkg/logx"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	// The CLI and the daemon may share the file; wait on locks instead of failing.
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const profileColumns = `user_id, genres, send_hour, send_minute, timezone, send_to, channel_id,
	auto_send, show_lyrics, active, last_fired_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(r rowScanner) (Profile, error) {
	var (
		p                     Profile
		genres                string
		channel               sql.NullString
		autoSend, lyrics, act int
		lastFired             sql.NullInt64
		updated               int64
	)
	if err := r.Scan(&p.UserID, &genres, &p.SendHour, &p.SendMinute, &p.Timezone, &p.SendTo, &channel,
		&autoSend, &lyrics, &act, &lastFired, &updated); err != nil {
		return Profile{}, err
	}
	if genres != "" {
		if err := json.Unmarshal([]byte(genres), &p.Genres); err != nil {
			return Profile{}, fmt.Errorf("profile %d: genres: %w", p.UserID, err)
		}
	}
	p.ChannelID = channel.String
	p.AutoSend = autoSend != 0
	p.ShowLyrics = lyrics != 0
	p.Active = act != 0
	if lastFired.Valid {
		p.LastFiredAt = time.UnixMilli(lastFired.Int64).UTC()
	}
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return p, nil
}

func (s *sqliteStore) GetProfile(ctx context.Context, userID int64) (Profile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM profiles WHERE user_id = ?`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	return p, err
}

func (s *sqliteStore) PutProfile(ctx context.Context, p Profile) error {
	if p.UserID == 0 {
		return errors.New("profile user id is required")
	}
	p = p.Normalize()
	genres, err := json.Marshal(p.Genres)
	if err != nil {
		return err
	}
	if p.Genres == nil {
		genres = []byte("[]")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profiles(`+profileColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET
		   genres=excluded.genres, send_hour=excluded.send_hour, send_minute=excluded.send_minute,
		   timezone=excluded.timezone, send_to=excluded.send_to, channel_id=excluded.channel_id,
		   auto_send=excluded.auto_send, show_lyrics=excluded.show_lyrics, active=excluded.active,
		   last_fired_at=excluded.last_fired_at, updated_at=excluded.updated_at`,
		p.UserID, string(genres), p.SendHour, p.SendMinute, p.Timezone, p.SendTo, nullStr(p.ChannelID),
		boolInt(p.AutoSend), boolInt(p.ShowLyrics), boolInt(p.Active), nullTime(p.LastFiredAt), time.Now().UnixMilli(),
	)
	return err
}

func (s *sqliteStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+profileColumns+` FROM profiles ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DisableUser(ctx context.Context, userID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET active = 0, auto_send = 0, updated_at = ? WHERE user_id = ?`,
		time.Now().UnixMilli(), userID)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) MarkFired(ctx context.Context, userID int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE profiles SET last_fired_at = ? WHERE user_id = ?`, at.UnixMilli(), userID)
	return affectedOrNotFound(res, err)
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, r DeliveryRecord) error {
	if r.UserID == 0 || strings.TrimSpace(r.TrackID) == "" {
		return errors.New("delivery record requires user id and track id")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.SentAt.IsZero() {
		r.SentAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, user_id, track_id, title, artist, sent_at, destination, with_audio, source)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.ID, r.UserID, r.TrackID, nullStr(r.Title), nullStr(r.Artist), r.SentAt.UnixMilli(),
		nullStr(r.Destination), boolInt(r.WithAudio), nullStr(r.Source),
	)
	return err
}

func (s *sqliteStore) RecentTrackIDs(ctx context.Context, userID int64, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT track_id FROM deliveries WHERE user_id = ? ORDER BY seq DESC LIMIT ?`, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]string, 0, n)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, keepPerUser int) (int, error) {
	if keepPerUser < 0 {
		keepPerUser = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE seq IN (
		   SELECT seq FROM (
		     SELECT seq, ROW_NUMBER() OVER (PARTITION BY user_id ORDER BY seq DESC) AS rn FROM deliveries
		   ) WHERE rn > ?
		 )`, keepPerUser)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) GetAsset(ctx context.Context, fingerprint string) (Asset, error) {
	var (
		a       Asset
		created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, path, size, created_at, source FROM assets WHERE fingerprint = ?`, fingerprint,
	).Scan(&a.Fingerprint, &a.Path, &a.Size, &created, &a.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, ErrNotFound
	}
	if err != nil {
		return Asset{}, err
	}
	a.CreatedAt = time.UnixMilli(created).UTC()
	return a, nil
}

func (s *sqliteStore) PutAsset(ctx context.Context, a Asset) error {
	if strings.TrimSpace(a.Fingerprint) == "" {
		return errors.New("asset fingerprint is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO assets(fingerprint, path, size, created_at, source) VALUES(?,?,?,?,?)
		 ON CONFLICT(fingerprint) DO UPDATE SET
		   path=excluded.path, size=excluded.size, created_at=excluded.created_at, source=excluded.source`,
		a.Fingerprint, a.Path, a.Size, a.CreatedAt.UnixMilli(), a.Source,
	)
	return err
}

func (s *sqliteStore) DeleteAsset(ctx context.Context, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM assets WHERE fingerprint = ?`, fingerprint)
	return err
}

func (s *sqliteStore) ListAssets(ctx context.Context) ([]Asset, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT fingerprint, path, size, created_at, source FROM assets ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Asset
	for rows.Next() {
		var (
			a       Asset
			created int64
		)
		if err := rows.Scan(&a.Fingerprint, &a.Path, &a.Size, &created, &a.Source); err != nil {
			return nil, err
		}
		a.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

func affectedOrNotFound(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
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
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
