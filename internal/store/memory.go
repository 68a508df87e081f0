package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
)

// Memory 는 프로세스 메모리에만 저장하는 Store 다.
// STORE_BACKEND=memory 로 외부 쓰기 없이 echo 만 돌려볼 때, 그리고 테스트에서 쓴다.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]*model.Profile
	peers    []model.Peer

	lookups int
	fetches int
	updates int

	// nil 이 아니면 다음 호출 하나가 이 에러로 실패한다.
	failNext error
}

func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]*model.Profile)}
}

// PutProfile 은 행을 통째로 넣거나 교체한다.
func (m *Memory) PutProfile(p model.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p.Clone()
}

// Profile 은 저장된 행의 사본을 돌려준다.
func (m *Memory) Profile(id string) (*model.Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// FailNext makes the next store call return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	m.failNext = err
	m.mu.Unlock()
}

// Calls returns how many lookups, profile fetches and updates were served.
func (m *Memory) Calls() (lookups, fetches, updates int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lookups, m.fetches, m.updates
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) LookupPeerUser(_ context.Context, addr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if err := m.takeFailure(); err != nil {
		return "", err
	}
	for _, p := range m.peers {
		if p.IPAddress == addr || p.IPAddress == addr+"/32" {
			if p.UserID == "" {
				return "", ErrNotFound
			}
			return p.UserID, nil
		}
	}
	return "", ErrNotFound
}

func (m *Memory) FetchProfile(_ context.Context, id string) (*model.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	p, ok := m.profiles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

func (m *Memory) UpdateProfile(_ context.Context, id string, cols map[string]any) error {
	if err := checkColumns(cols); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if err := m.takeFailure(); err != nil {
		return err
	}
	p, ok := m.profiles[id]
	if !ok {
		return ErrNotFound
	}
	for c, v := range cols {
		if err := setColumn(p, c, v); err != nil {
			return err
		}
	}
	return nil
}

// setColumn 은 PostgREST 가 받는 것과 같은 JSON 값 규칙으로 컬럼 하나를 쓴다.
func setColumn(p *model.Profile, col string, v any) error {
	str := func(dst **string) error {
		switch x := v.(type) {
		case nil:
			*dst = nil
		case string:
			*dst = &x
		default:
			return fmt.Errorf("store: column %s expects string, got %T", col, v)
		}
		return nil
	}
	switch col {
	case "state":
		switch x := v.(type) {
		case model.State:
			p.State = x
		case string:
			p.State = model.State(x)
		default:
			return fmt.Errorf("store: column state expects string, got %T", v)
		}
	case "activated":
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("store: column activated expects bool, got %T", v)
		}
		p.Activated = b
	case "query_pending_match":
		switch x := v.(type) {
		case nil:
			p.QueryPendingMatch = nil
		case json.RawMessage:
			p.QueryPendingMatch = append(json.RawMessage(nil), x...)
		default:
			b, err := json.Marshal(x)
			if err != nil {
				return err
			}
			p.QueryPendingMatch = b
		}
	case "handle":
		return str(&p.Handle)
	case "session_token":
		return str(&p.SessionToken)
	case "country":
		return str(&p.Country)
	case "region":
		return str(&p.Region)
	case "player_uuid":
		return str(&p.PlayerUUID)
	case "lobby":
		return str(&p.Lobby)
	case "player_handle":
		return str(&p.PlayerHandle)
	}
	return nil
}

func (m *Memory) ListPeers(_ context.Context) ([]model.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]model.Peer(nil), m.peers...)
	sort.Slice(out, func(i, j int) bool { return out[i].IPAddress < out[j].IPAddress })
	return out, nil
}

func (m *Memory) FindPeerByUser(_ context.Context, userID string) (*model.Peer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.peers {
		if p.UserID == userID {
			cp := p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) InsertPeer(_ context.Context, p model.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.peers {
		if q.IPAddress == p.IPAddress {
			return fmt.Errorf("store: ip_address %s already allocated", p.IPAddress)
		}
	}
	m.peers = append(m.peers, p)
	return nil
}

func (m *Memory) UpdatePeerKey(_ context.Context, userID, publicKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for i := range m.peers {
		if m.peers[i].UserID == userID {
			m.peers[i].PublicKey = publicKey
			found = true
		}
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

func (m *Memory) Close() error { return nil }
