package profile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/action"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	"github.com/rs/zerolog"
)

// ErrInvalidState 는 patch 의 state 가 닫힌 집합 밖일 때 돌려준다.
var ErrInvalidState = errors.New("invalid profile state")

// Updater 는 Mutator 가 쓰는 store 연산이다.
type Updater interface {
	UpdateProfile(ctx context.Context, id string, cols map[string]any) error
}

// Mutator
// ------------------------------------------------------------
// profiles 행에 patch 를 쓰는 유일한 경로.
//
//  1. 빈 patch → 아무것도 하지 않는다. state 가 닫힌 집합 밖이면 에러.
//  2. snapshot 과 다른 필드가 하나도 없으면 → 쓰지 않는다. (diff 억제)
//  3. 다르면 patch 컬럼만 id 기준으로 update 한다.
//     실패 시 snapshot 은 그대로 두므로 다음 같은 patch 가 다시 쓰기를 시도한다.
//  4. 성공 시 patch 를 snapshot 에 병합한다.
//
// 1~4 전체를 id 별 잠금 안에서 수행한다.
// dispatch worker 와 liveness sweeper 가 같은 사용자를 동시에 건드려도
// read-compare-write-merge 가 섞이지 않는다.
type Mutator struct {
	store   Updater
	timeout time.Duration
	metrics *metrics.Metrics
	locks   keyedLock
}

func NewMutator(s Updater, m *metrics.Metrics, timeout time.Duration) *Mutator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Mutator{store: s, timeout: timeout, metrics: m}
}

// Apply 는 이미 만들어진 patch 를 쓴다. 실제로 store 에 썼으면 true.
func (m *Mutator) Apply(ctx context.Context, ident *model.Identity, p action.Patch) (bool, error) {
	return m.Mutate(ctx, ident, func(model.Profile) (action.Patch, error) { return p, nil })
}

// Mutate 는 id 잠금을 잡은 상태에서 현재 snapshot 을 보고 patch 를 만든 뒤 쓴다.
// build 가 에러를 돌려주면 아무것도 쓰지 않고 그 에러를 돌려준다.
func (m *Mutator) Mutate(ctx context.Context, ident *model.Identity, build func(cur model.Profile) (action.Patch, error)) (bool, error) {
	if ident == nil || ident.Profile == nil {
		return false, nil
	}
	unlock := m.locks.lock(ident.ID)
	defer unlock()

	p, err := build(*ident.Profile)
	if err != nil {
		return false, err
	}
	if p.Empty() {
		return false, nil
	}
	if st, ok := p.State.Get(); p.State.IsNull() || (ok && !st.Valid()) {
		return false, fmt.Errorf("%w: %q", ErrInvalidState, st)
	}
	if !p.Differs(ident.Profile) {
		atomic.AddInt64(&m.metrics.PatchesSkippedTotal, 1)
		return false, nil
	}

	cols := p.Columns()
	wctx, cancel := context.WithTimeout(ctx, m.timeout)
	err = m.store.UpdateProfile(wctx, ident.ID, cols)
	cancel()
	if err != nil {
		atomic.AddInt64(&m.metrics.ProfileUpdateErrorsTotal, 1)
		return false, fmt.Errorf("update profile %s: %w", ident.ID, err)
	}

	p.ApplyTo(ident.Profile)
	atomic.AddInt64(&m.metrics.ProfileUpdatesTotal, 1)

	zerolog.Ctx(ctx).Debug().
		Str("user", ident.ID).
		Interface("columns", cols).
		Msg("profile updated")
	return true, nil
}
