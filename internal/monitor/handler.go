package monitor

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync/atomic"

	"mitm-monitor/internal/action"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Resolver 는 주소 → Identity 해석기다. (identity.Resolver)
type Resolver interface {
	Resolve(ctx context.Context, addr string) (*model.Identity, error)
}

// Mutator 는 id 잠금 하에서 patch 를 만들고 쓰는 경로다. (profile.Mutator)
type Mutator interface {
	Mutate(ctx context.Context, ident *model.Identity, build func(cur model.Profile) (action.Patch, error)) (bool, error)
}

// Toucher 는 liveness 기록기다. (profile.Tracker)
type Toucher interface {
	Touch(ident *model.Identity)
}

// Handler
// ------------------------------------------------------------
// FlowRecord 하나를 profile 상태 변경으로 투영한다.
//
//  1. 필터: URL 파싱, API 호스트 일치, client 주소, action(마지막 path segment), res_body 객체
//  2. Resolver 로 주소 → 사용자
//  3. liveness 갱신
//  4. Mutator 잠금 안에서 Decode → Apply
//
// 모든 에러는 여기서 로그로 끝난다. 호출자(dispatch worker)는 카운트만 한다.
type Handler struct {
	apiHost  string
	resolver Resolver
	mutator  Mutator
	tracker  Toucher
	metrics  *metrics.Metrics
}

func NewHandler(apiHost string, r Resolver, mut Mutator, tr Toucher, m *metrics.Metrics) *Handler {
	if m == nil {
		m = metrics.New()
	}
	return &Handler{
		apiHost:  strings.ToLower(apiHost),
		resolver: r,
		mutator:  mut,
		tracker:  tr,
		metrics:  m,
	}
}

// Target 은 필터를 통과한 레코드의 (정규화 주소, action 이름) 이다.
type Target struct {
	Addr   string
	Action string
}

// Filter 는 레코드가 상태 투영 대상인지 판단한다.
func (h *Handler) Filter(rec *model.FlowRecord) (Target, bool) {
	if rec == nil || rec.URL == "" {
		return Target{}, false
	}
	u, err := url.Parse(rec.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Target{}, false
	}
	if strings.ToLower(u.Hostname()) != h.apiHost {
		return Target{}, false
	}

	addr := normalizeAddr(rec.ClientIP)
	if addr == "" {
		return Target{}, false
	}

	name := lastSegment(u.Path)
	if name == "" {
		return Target{}, false
	}

	if !model.IsObject(rec.ResBody) {
		return Target{}, false
	}
	return Target{Addr: addr, Action: name}, true
}

func lastSegment(p string) string {
	parts := strings.Split(p, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if parts[i] != "" {
			return parts[i]
		}
	}
	return ""
}

// Handle 은 dispatch worker 가 레코드마다 호출한다.
func (h *Handler) Handle(ctx context.Context, rec *model.FlowRecord) error {
	t, ok := h.Filter(rec)
	if !ok {
		atomic.AddInt64(&h.metrics.DispatchIgnoredTotal, 1)
		return nil
	}

	logger := log.With().
		Str("dispatch_id", uuid.NewString()).
		Str("action", t.Action).
		Str("client", t.Addr).
		Logger()
	ctx = logger.WithContext(ctx)

	ident, err := h.resolver.Resolve(ctx, t.Addr)
	if err != nil {
		logger.Warn().Err(err).Msg("identity lookup failed")
		return err
	}
	if ident == nil {
		logger.Debug().Msg("unknown client address")
		return nil
	}

	h.tracker.Touch(ident)

	kind := action.ParseKind(t.Action)
	if kind == action.Unknown {
		return nil
	}

	wrote, err := h.mutator.Mutate(ctx, ident, func(cur model.Profile) (action.Patch, error) {
		return action.Decode(kind, action.Input{
			Current:  cur.State,
			Request:  rec.ReqBody,
			Response: rec.ResBody,
		})
	})
	switch {
	case errors.Is(err, action.ErrMalformed):
		atomic.AddInt64(&h.metrics.DecodeErrorsTotal, 1)
		logger.Warn().Err(err).Str("user", ident.ID).Msg("action payload ignored")
		return nil
	case err != nil:
		logger.Error().Err(err).Str("user", ident.ID).Msg("profile update failed")
		return err
	}

	if wrote {
		logger.Info().Str("user", ident.ID).Msg("profile state projected")
	}
	return nil
}
