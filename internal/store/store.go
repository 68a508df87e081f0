// Package store 는 profiles / wg_peers 테이블에 접근하는 backend 들을 모은다.
//
//   - PostgREST: 운영 (Supabase REST)
//   - SQLite:    로컬 개발 / 단일 호스트
//   - Memory:    dry-run, 테스트
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"mitm-monitor/internal/config"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"
)

var (
	// ErrNotFound 는 조회 대상 행이 없을 때 돌려준다.
	ErrNotFound = errors.New("store: not found")

	// ErrStoreDisabled 는 backend 가 설정되지 않았을 때 돌려준다.
	ErrStoreDisabled = errors.New("store: disabled")
)

// Store 는 모니터와 WireGuard companion 이 쓰는 모든 store 연산이다.
type Store interface {
	// LookupPeerUser 는 ip_address 가 addr 또는 addr/32 인 peer 의 user_id 를 찾는다.
	LookupPeerUser(ctx context.Context, addr string) (string, error)
	FetchProfile(ctx context.Context, id string) (*model.Profile, error)
	// UpdateProfile 은 cols 에 있는 컬럼만 id 행에 쓴다.
	UpdateProfile(ctx context.Context, id string, cols map[string]any) error

	ListPeers(ctx context.Context) ([]model.Peer, error)
	FindPeerByUser(ctx context.Context, userID string) (*model.Peer, error)
	InsertPeer(ctx context.Context, p model.Peer) error
	UpdatePeerKey(ctx context.Context, userID, publicKey string) error

	Close() error
}

// profileColumns 는 UpdateProfile 이 받아주는 컬럼 목록이다.
var profileColumns = map[string]struct{}{
	"handle":              {},
	"state":               {},
	"activated":           {},
	"session_token":       {},
	"country":             {},
	"region":              {},
	"player_uuid":         {},
	"lobby":               {},
	"query_pending_match": {},
	"player_handle":       {},
}

func checkColumns(cols map[string]any) error {
	for c := range cols {
		if _, ok := profileColumns[c]; !ok {
			return fmt.Errorf("store: unknown profile column %q", c)
		}
	}
	return nil
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkTable(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("store: invalid table name %q", name)
	}
	return nil
}

// Open 은 설정된 backend 를 연다.
func Open(cfg config.Config, m *metrics.Metrics) (Store, error) {
	switch cfg.StoreBackend {
	case "postgrest":
		return NewPostgREST(PostgRESTOptions{
			BaseURL:       cfg.SupabaseURL,
			APIKey:        cfg.SupabaseServiceRoleKey,
			ProfilesTable: cfg.ProfilesTable,
			PeersTable:    cfg.PeersTable,
			Timeout:       cfg.StoreTimeout,
			RateLimit:     cfg.StoreRateLimit,
			RateBurst:     cfg.StoreRateBurst,
		}, m)
	case "sqlite":
		return NewSQLite(cfg.SQLitePath, cfg.ProfilesTable, cfg.PeersTable)
	case "memory":
		return NewMemory(), nil
	}
	return nil, fmt.Errorf("%w: unknown backend %q", ErrStoreDisabled, cfg.StoreBackend)
}
