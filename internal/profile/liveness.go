package profile

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/action"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	"github.com/rs/zerolog/log"
)

// Tracker
// ------------------------------------------------------------
// 사용자별 마지막 활동 시각을 기록하고, 주기적으로 idle 사용자를 offline 으로 내린다.
//
//   - idle > offlineAfter 이고 state 가 offline/gaming 이 아니면 → offline 강제
//     (게임 중에는 RPC 가 뜸해서 제외한다)
//   - idle > forgetAfter 이면 → 아직 offline 이 아니면 offline 으로 내린 뒤 추적에서 제거
//
// 레코드 맵은 Tracker 가 소유하며 mu 로만 접근한다.
// snapshot 의 state 비교와 쓰기는 Mutator 의 id 잠금 안에서 이뤄진다.
type Tracker struct {
	mu      sync.Mutex
	records map[string]*liveness

	mutator      *Mutator
	offlineAfter time.Duration
	forgetAfter  time.Duration
	now          func() time.Time
	metrics      *metrics.Metrics
}

type liveness struct {
	seen  time.Time
	ident *model.Identity
}

// TrackerOptions 는 Tracker 설정이다.
type TrackerOptions struct {
	OfflineAfter time.Duration    // 기본 2m
	ForgetAfter  time.Duration    // 기본 30m
	Now          func() time.Time // 테스트용 시계
}

func NewTracker(mut *Mutator, m *metrics.Metrics, opts TrackerOptions) *Tracker {
	if opts.OfflineAfter <= 0 {
		opts.OfflineAfter = 2 * time.Minute
	}
	if opts.ForgetAfter <= 0 {
		opts.ForgetAfter = 30 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	return &Tracker{
		records:      make(map[string]*liveness),
		mutator:      mut,
		offlineAfter: opts.OfflineAfter,
		forgetAfter:  opts.ForgetAfter,
		now:          opts.Now,
		metrics:      m,
	}
}

// Touch 는 사용자의 마지막 활동 시각을 지금으로 갱신한다.
// 같은 id 로 새 Identity 가 오면 그 snapshot 을 기준으로 바꾼다.
func (t *Tracker) Touch(ident *model.Identity) {
	if ident == nil {
		return
	}
	t.mu.Lock()
	t.records[ident.ID] = &liveness{seen: t.now(), ident: ident}
	n := len(t.records)
	t.mu.Unlock()
	atomic.StoreInt64(&t.metrics.LivenessTracked, int64(n))
}

// Len returns the number of tracked identities.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

// LastSeen returns when id was last touched.
func (t *Tracker) LastSeen(id string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return time.Time{}, false
	}
	return r.seen, true
}

// Sweep 은 한 번의 검사 패스다.
// 맵은 스냅샷만 떠 두고 store 호출은 mu 밖에서 한다.
func (t *Tracker) Sweep(ctx context.Context) {
	type item struct {
		id    string
		seen  time.Time
		ident *model.Identity
	}

	t.mu.Lock()
	items := make([]item, 0, len(t.records))
	for id, r := range t.records {
		items = append(items, item{id: id, seen: r.seen, ident: r.ident})
	}
	t.mu.Unlock()

	now := t.now()
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}
		idle := now.Sub(it.seen)
		if idle <= t.offlineAfter {
			continue
		}

		forget := idle > t.forgetAfter
		wrote, err := t.mutator.Mutate(ctx, it.ident, func(cur model.Profile) (action.Patch, error) {
			if cur.State == model.StateOffline {
				return action.Patch{}, nil
			}
			if !forget && (cur.State == model.StateGaming || cur.State == "playing") {
				return action.Patch{}, nil
			}
			return action.Patch{State: action.Value(model.StateOffline)}, nil
		})
		if err != nil {
			log.Warn().Err(err).Str("user", it.id).Dur("idle", idle).Msg("liveness: force offline failed")
		} else if wrote {
			atomic.AddInt64(&t.metrics.LivenessOfflineTotal, 1)
			log.Info().Str("user", it.id).Dur("idle", idle).Msg("liveness: user idle, set offline")
		}

		if forget {
			t.mu.Lock()
			// Sweep 도중 다시 Touch 된 레코드는 지우지 않는다.
			if r, ok := t.records[it.id]; ok && r.seen.Equal(it.seen) {
				delete(t.records, it.id)
				atomic.AddInt64(&t.metrics.LivenessForgottenTotal, 1)
			}
			n := len(t.records)
			t.mu.Unlock()
			atomic.StoreInt64(&t.metrics.LivenessTracked, int64(n))
		}
	}
}

// Run 은 interval 마다 Sweep 을 돌린다. ctx 가 끝나면 ctx.Err() 를 돌려준다.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}
