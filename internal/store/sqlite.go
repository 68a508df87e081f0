package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

// SQLite 는 로컬 개발 / 단일 호스트 운영용 Store 다.
// profiles, wg_peers 두 테이블을 직접 만들고 관리한다.
type SQLite struct {
	db       *sql.DB
	profiles string
	peers    string
}

// NewSQLite opens or creates a SQLite database at path.
func NewSQLite(path, profilesTable, peersTable string) (*SQLite, error) {
	if err := checkTable(profilesTable); err != nil {
		return nil, err
	}
	if err := checkTable(peersTable); err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, profiles: profilesTable, peers: peersTable}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %[1]s (
		id                  TEXT PRIMARY KEY,
		handle              TEXT,
		state               TEXT NOT NULL DEFAULT 'offline',
		activated           INTEGER NOT NULL DEFAULT 0,
		session_token       TEXT,
		country             TEXT,
		region              TEXT,
		player_uuid         TEXT,
		lobby               TEXT,
		query_pending_match TEXT,
		player_handle       TEXT,
		updated_at          TEXT
	);
	CREATE TABLE IF NOT EXISTS %[2]s (
		user_id    TEXT NOT NULL,
		public_key TEXT NOT NULL,
		ip_address TEXT NOT NULL UNIQUE,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_%[2]s_user ON %[2]s(user_id);
	`, s.profiles, s.peers)
	_, err := s.db.Exec(schema)
	return err
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// InsertProfile 은 행을 새로 만든다. (로컬 시드 / 테스트용)
func (s *SQLite) InsertProfile(ctx context.Context, p model.Profile) error {
	if p.State == "" {
		p.State = model.StateOffline
	}
	var qpm any
	if !model.IsNull(p.QueryPendingMatch) {
		qpm = string(p.QueryPendingMatch)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, handle, state, activated, session_token, country, region, player_uuid, lobby, query_pending_match, player_handle, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.profiles),
		p.ID, p.Handle, string(p.State), p.Activated, p.SessionToken, p.Country, p.Region,
		p.PlayerUUID, p.Lobby, qpm, p.PlayerHandle, now())
	if err != nil {
		return fmt.Errorf("insert profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *SQLite) LookupPeerUser(ctx context.Context, addr string) (string, error) {
	var uid sql.NullString
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT user_id FROM %s WHERE ip_address = ? OR ip_address = ? LIMIT 1`, s.peers),
		addr, addr+"/32").Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup peer %s: %w", addr, err)
	}
	if !uid.Valid || uid.String == "" {
		return "", ErrNotFound
	}
	return uid.String, nil
}

func (s *SQLite) FetchProfile(ctx context.Context, id string) (*model.Profile, error) {
	var (
		p         model.Profile
		state     string
		activated bool
		handle, token, country, region, uuid, lobby, qpm, ph sql.NullString
	)
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT id, handle, state, activated, session_token, country,
		region, player_uuid, lobby, query_pending_match, player_handle FROM %s WHERE id = ?`, s.profiles), id).
		Scan(&p.ID, &handle, &state, &activated, &token, &country, &region, &uuid, &lobby, &qpm, &ph)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", id, err)
	}
	p.State = model.State(state)
	p.Activated = activated
	p.Handle = nullable(handle)
	p.SessionToken = nullable(token)
	p.Country = nullable(country)
	p.Region = nullable(region)
	p.PlayerUUID = nullable(uuid)
	p.Lobby = nullable(lobby)
	p.PlayerHandle = nullable(ph)
	if qpm.Valid {
		p.QueryPendingMatch = json.RawMessage(qpm.String)
	}
	return &p, nil
}

func nullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// sqlValue 는 patch 컬럼 값을 SQLite 바인딩 값으로 바꾼다.
func sqlValue(v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string, bool:
		return x, nil
	case model.State:
		return string(x), nil
	case json.RawMessage:
		if model.IsNull(x) {
			return nil, nil
		}
		return string(x), nil
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}

func (s *SQLite) UpdateProfile(ctx context.Context, id string, cols map[string]any) error {
	if err := checkColumns(cols); err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}

	names := make([]string, 0, len(cols))
	for c := range cols {
		names = append(names, c)
	}
	sort.Strings(names)

	sets := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+2)
	for _, c := range names {
		v, err := sqlValue(cols[c])
		if err != nil {
			return fmt.Errorf("column %s: %w", c, err)
		}
		sets = append(sets, c+" = ?")
		args = append(args, v)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, now(), id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET %s WHERE id = ?`, s.profiles, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListPeers(ctx context.Context) ([]model.Peer, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT user_id, public_key, ip_address FROM %s ORDER BY ip_address`, s.peers))
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	defer rows.Close()

	var out []model.Peer
	for rows.Next() {
		var p model.Peer
		if err := rows.Scan(&p.UserID, &p.PublicKey, &p.IPAddress); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLite) FindPeerByUser(ctx context.Context, userID string) (*model.Peer, error) {
	var p model.Peer
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT user_id, public_key, ip_address FROM %s WHERE user_id = ? LIMIT 1`, s.peers), userID).
		Scan(&p.UserID, &p.PublicKey, &p.IPAddress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find peer for %s: %w", userID, err)
	}
	return &p, nil
}

func (s *SQLite) InsertPeer(ctx context.Context, p model.Peer) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (user_id, public_key, ip_address, created_at) VALUES (?, ?, ?, ?)`, s.peers),
		p.UserID, p.PublicKey, p.IPAddress, now())
	if err != nil {
		return fmt.Errorf("insert peer %s: %w", p.IPAddress, err)
	}
	return nil
}

func (s *SQLite) UpdatePeerKey(ctx context.Context, userID, publicKey string) error {
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET public_key = ? WHERE user_id = ?`, s.peers), publicKey, userID)
	if err != nil {
		return fmt.Errorf("update peer key for %s: %w", userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
