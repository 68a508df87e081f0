package wg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"mitm-monitor/internal/model"
	"mitm-monitor/internal/store"

	"github.com/rs/zerolog/log"
)

// PeerStore 는 allocator / syncer 가 쓰는 wg_peers 연산이다. (store.Store)
type PeerStore interface {
	ListPeers(ctx context.Context) ([]model.Peer, error)
	FindPeerByUser(ctx context.Context, userID string) (*model.Peer, error)
	InsertPeer(ctx context.Context, p model.Peer) error
	UpdatePeerKey(ctx context.Context, userID, publicKey string) error
}

// Allocation 은 Ensure 의 결과다. PrivateKey 는 어디에도 저장하지 않으므로 호출자가 바로 전달해야 한다.
type Allocation struct {
	UserID  string  `json:"user_id"`
	Address string  `json:"address"`
	Keys    KeyPair `json:"keys"`
	Created bool    `json:"created"`
}

// Allocator 는 사용자 한 명에게 peer 한 개를 보장한다.
type Allocator struct {
	store  PeerStore
	keygen func() (KeyPair, error)

	// 같은 프로세스 안에서 동시에 두 사용자가 같은 주소를 받지 않도록 직렬화
	mu sync.Mutex
}

func NewAllocator(s PeerStore) *Allocator {
	return &Allocator{store: s, keygen: GenerateKeyPair}
}

// Ensure
//   - 이미 peer 가 있으면 새 키 쌍을 만들어 public_key 만 교체한다 (주소 유지)
//   - 없으면 다음 주소를 할당해 새 peer 를 넣는다
func (a *Allocator) Ensure(ctx context.Context, userID string) (*Allocation, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("wg: user id is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	keys, err := a.keygen()
	if err != nil {
		return nil, err
	}

	existing, err := a.store.FindPeerByUser(ctx, userID)
	switch {
	case err == nil:
		if err := a.store.UpdatePeerKey(ctx, userID, keys.PublicKey); err != nil {
			return nil, fmt.Errorf("rotate peer key: %w", err)
		}
		log.Info().Str("user", userID).Str("address", existing.IPAddress).Msg("peer key rotated")
		return &Allocation{UserID: userID, Address: existing.IPAddress, Keys: keys}, nil

	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("find peer: %w", err)
	}

	peers, err := a.store.ListPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	used := make([]string, 0, len(peers))
	for _, p := range peers {
		used = append(used, p.IPAddress)
	}
	addr, err := NextAddress(used)
	if err != nil {
		return nil, err
	}

	peer := model.Peer{UserID: userID, PublicKey: keys.PublicKey, IPAddress: addr}
	if err := a.store.InsertPeer(ctx, peer); err != nil {
		return nil, fmt.Errorf("insert peer: %w", err)
	}
	log.Info().Str("user", userID).Str("address", addr).Msg("peer allocated")
	return &Allocation{UserID: userID, Address: addr, Keys: keys, Created: true}, nil
}
