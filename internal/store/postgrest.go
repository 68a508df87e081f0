package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// PostgRESTOptions 는 Supabase REST 접속 설정이다.
type PostgRESTOptions struct {
	BaseURL       string        // 예: https://xyz.supabase.co
	APIKey        string        // service role key
	ProfilesTable string        // 기본 profiles
	PeersTable    string        // 기본 wg_peers
	Timeout       time.Duration // 요청 1회 timeout (http.Client 에도 같은 값)
	RateLimit     float64       // 초당 요청 수, 0 이면 제한 없음
	RateBurst     int

	// Client 가 nil 이면 Timeout 을 가진 기본 client 를 만든다.
	Client *http.Client
}

// PostgREST
// ------------------------------------------------------------
// Supabase PostgREST 엔드포인트(/rest/v1/<table>)를 직접 호출하는 Store.
//
// 모든 요청은 아래 순서를 거친다.
//  1. rate.Limiter 로 초당 요청 수 제한 (대량 로그 유입 시 store 보호)
//  2. gobreaker 로 연속 실패 시 일정 시간 호출 자체를 차단
//  3. 요청별 context timeout
//
// 4xx 응답은 호출자 잘못이므로 breaker 실패로 세지 않는다.
type PostgREST struct {
	base     string
	key      string
	profiles string
	peers    string
	timeout  time.Duration

	client  *http.Client
	breaker *gobreaker.CircuitBreaker[[]byte]
	limiter *rate.Limiter
	metrics *metrics.Metrics
}

// StatusError 는 PostgREST 가 2xx 이외의 코드를 돌려준 경우다.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("postgrest %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

func NewPostgREST(opts PostgRESTOptions, m *metrics.Metrics) (*PostgREST, error) {
	if opts.BaseURL == "" || opts.APIKey == "" {
		return nil, fmt.Errorf("%w: postgrest needs base url and api key", ErrStoreDisabled)
	}
	if err := checkTable(opts.ProfilesTable); err != nil {
		return nil, err
	}
	if err := checkTable(opts.PeersTable); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	p := &PostgREST{
		base:     strings.TrimRight(opts.BaseURL, "/") + "/rest/v1/",
		key:      opts.APIKey,
		profiles: opts.ProfilesTable,
		peers:    opts.PeersTable,
		timeout:  opts.Timeout,
		client:   client,
		limiter:  rate.NewLimiter(limit, burst),
		metrics:  m,
	}

	p.breaker = gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "postgrest",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("store circuit breaker state change")
		},
	})

	return p, nil
}

// do 는 rate limit → breaker → HTTP 호출을 수행하고 응답 body 를 돌려준다.
func (p *PostgREST) do(ctx context.Context, method, table string, query url.Values, body any, prefer string) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s body: %w", table, err)
		}
		payload = b
	}

	atomic.AddInt64(&p.metrics.StoreRequestsTotal, 1)

	out, err := p.breaker.Execute(func() ([]byte, error) {
		ctx2, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()

		u := p.base + table
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx2, method, u, rd)
		if err != nil {
			return nil, err
		}
		req.Header.Set("apikey", p.key)
		req.Header.Set("Authorization", "Bearer "+p.key)
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if prefer != "" {
			req.Header.Set("Prefer", prefer)
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &StatusError{Method: method, Path: table, Code: resp.StatusCode, Body: truncate(string(data), 512)}
		}
		return data, nil
	})
	if err != nil {
		atomic.AddInt64(&p.metrics.StoreErrorsTotal, 1)
		return nil, err
	}
	return out, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// quote 는 PostgREST 논리 필터(or=...) 안의 값을 큰따옴표로 감싼다.
func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func (p *PostgREST) LookupPeerUser(ctx context.Context, addr string) (string, error) {
	q := url.Values{}
	q.Set("select", "user_id")
	q.Set("or", fmt.Sprintf("(ip_address.eq.%s,ip_address.eq.%s)", quote(addr), quote(addr+"/32")))
	q.Set("limit", "1")

	data, err := p.do(ctx, http.MethodGet, p.peers, q, nil, "")
	if err != nil {
		return "", fmt.Errorf("lookup peer %s: %w", addr, err)
	}
	var rows []struct {
		UserID *string `json:"user_id"`
	}
	if err := json.Unmarshal(data, &rows); err != nil {
		return "", fmt.Errorf("decode peer rows: %w", err)
	}
	if len(rows) == 0 || rows[0].UserID == nil || *rows[0].UserID == "" {
		return "", ErrNotFound
	}
	return *rows[0].UserID, nil
}

func (p *PostgREST) FetchProfile(ctx context.Context, id string) (*model.Profile, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("id", "eq."+id)
	q.Set("limit", "1")

	data, err := p.do(ctx, http.MethodGet, p.profiles, q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("fetch profile %s: %w", id, err)
	}
	var rows []model.Profile
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode profile rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (p *PostgREST) UpdateProfile(ctx context.Context, id string, cols map[string]any) error {
	if err := checkColumns(cols); err != nil {
		return err
	}
	if len(cols) == 0 {
		return nil
	}
	q := url.Values{}
	q.Set("id", "eq."+id)
	if _, err := p.do(ctx, http.MethodPatch, p.profiles, q, cols, "return=minimal"); err != nil {
		return fmt.Errorf("update profile %s: %w", id, err)
	}
	return nil
}

func (p *PostgREST) ListPeers(ctx context.Context) ([]model.Peer, error) {
	q := url.Values{}
	q.Set("select", "user_id,public_key,ip_address")
	q.Set("order", "ip_address.asc")

	data, err := p.do(ctx, http.MethodGet, p.peers, q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("list peers: %w", err)
	}
	var rows []model.Peer
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode peer rows: %w", err)
	}
	return rows, nil
}

func (p *PostgREST) FindPeerByUser(ctx context.Context, userID string) (*model.Peer, error) {
	q := url.Values{}
	q.Set("select", "user_id,public_key,ip_address")
	q.Set("user_id", "eq."+userID)
	q.Set("limit", "1")

	data, err := p.do(ctx, http.MethodGet, p.peers, q, nil, "")
	if err != nil {
		return nil, fmt.Errorf("find peer for %s: %w", userID, err)
	}
	var rows []model.Peer
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode peer rows: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return &rows[0], nil
}

func (p *PostgREST) InsertPeer(ctx context.Context, peer model.Peer) error {
	if _, err := p.do(ctx, http.MethodPost, p.peers, nil, peer, "return=minimal"); err != nil {
		return fmt.Errorf("insert peer %s: %w", peer.IPAddress, err)
	}
	return nil
}

func (p *PostgREST) UpdatePeerKey(ctx context.Context, userID, publicKey string) error {
	q := url.Values{}
	q.Set("user_id", "eq."+userID)
	body := map[string]string{"public_key": publicKey}
	if _, err := p.do(ctx, http.MethodPatch, p.peers, q, body, "return=minimal"); err != nil {
		return fmt.Errorf("update peer key for %s: %w", userID, err)
	}
	return nil
}

func (p *PostgREST) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
