package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"
	"mitm-monitor/internal/store"

	"golang.org/x/sync/singleflight"
)

// Lookup 은 Resolver 가 쓰는 store 연산이다.
type Lookup interface {
	LookupPeerUser(ctx context.Context, addr string) (string, error)
	FetchProfile(ctx context.Context, id string) (*model.Profile, error)
}

// Options 는 Resolver 설정이다. zero 값은 기본값으로 채운다.
type Options struct {
	TTL        time.Duration    // 기본 24h
	MaxEntries int              // 기본 1000
	Timeout    time.Duration    // 외부 호출 1회 timeout, 기본 5s
	Now        func() time.Time // 테스트용 시계
}

// Resolver
// ------------------------------------------------------------
// flow 의 client 주소(WireGuard 터널 IP)를 사용자 Identity 로 해석한다.
//
//  1. 캐시에 fresh 엔트리가 있으면 외부 호출 없이 그대로 돌려준다. (negative 포함)
//  2. 없으면 wg_peers 에서 addr 또는 addr/32 로 user_id 를 찾는다.
//  3. profiles 에서 한 행을 가져와 snapshot 으로 보관한다.
//
// peer/profile 이 없으면 negative 로 캐시한다.
// 외부 호출이 실패하면 캐시하지 않고 에러를 돌려준다. (다음 호출에서 다시 시도)
// 같은 주소에 대한 동시 miss 는 singleflight 로 한 번만 조회한다.
type Resolver struct {
	store   Lookup
	cache   *cache
	group   singleflight.Group
	timeout time.Duration
	metrics *metrics.Metrics
}

func NewResolver(s Lookup, m *metrics.Metrics, opts Options) *Resolver {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = 1000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if m == nil {
		m = metrics.New()
	}
	return &Resolver{
		store:   s,
		cache:   newCache(opts.TTL, opts.MaxEntries, opts.Now),
		timeout: opts.Timeout,
		metrics: m,
	}
}

// Resolve 는 주소를 Identity 로 해석한다.
// 모르는 주소는 (nil, nil), 외부 호출 실패는 (nil, err) 이다.
func (r *Resolver) Resolve(ctx context.Context, addr string) (*model.Identity, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, nil
	}

	if ident, ok := r.cache.get(addr); ok {
		atomic.AddInt64(&r.metrics.ResolveCacheHitsTotal, 1)
		return ident, nil
	}

	v, err, _ := r.group.Do(addr, func() (any, error) {
		// 앞선 flight 가 방금 채웠을 수 있다.
		if ident, ok := r.cache.get(addr); ok {
			return ident, nil
		}
		atomic.AddInt64(&r.metrics.ResolveCacheMissesTotal, 1)
		return r.load(ctx, addr)
	})
	if err != nil {
		atomic.AddInt64(&r.metrics.ResolveErrorsTotal, 1)
		return nil, err
	}
	return v.(*model.Identity), nil
}

func (r *Resolver) load(ctx context.Context, addr string) (*model.Identity, error) {
	lctx, cancel := context.WithTimeout(ctx, r.timeout)
	uid, err := r.store.LookupPeerUser(lctx, addr)
	cancel()
	if errors.Is(err, store.ErrNotFound) || (err == nil && uid == "") {
		r.negative(addr)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}

	fctx, cancel := context.WithTimeout(ctx, r.timeout)
	prof, err := r.store.FetchProfile(fctx, uid)
	cancel()
	if errors.Is(err, store.ErrNotFound) || (err == nil && prof == nil) {
		r.negative(addr)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve %s: profile %s: %w", addr, uid, err)
	}

	ident := &model.Identity{ID: uid, Profile: prof}
	r.cache.set(addr, ident)
	atomic.StoreInt64(&r.metrics.CacheEntries, int64(r.cache.len()))
	return ident, nil
}

func (r *Resolver) negative(addr string) {
	r.cache.set(addr, nil)
	atomic.AddInt64(&r.metrics.ResolveNotFoundTotal, 1)
	atomic.StoreInt64(&r.metrics.CacheEntries, int64(r.cache.len()))
}
