package store

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   string
}

type fakePostgREST struct {
	mu       sync.Mutex
	requests []recordedRequest
	status   int
	body     string
}

func (f *fakePostgREST) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	b, _ := io.ReadAll(r.Body)
	q := map[string]string{}
	for k, v := range r.URL.Query() {
		q[k] = v[0]
	}
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{r.Method, r.URL.Path, q, r.Header.Clone(), string(b)})
	status, body := f.status, f.body
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func (f *fakePostgREST) last() recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakePostgREST) respond(status int, body string) {
	f.mu.Lock()
	f.status, f.body = status, body
	f.mu.Unlock()
}

func (f *fakePostgREST) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newTestPostgREST(t *testing.T, f *fakePostgREST) (*PostgREST, *metrics.Metrics) {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	m := metrics.New()
	p, err := NewPostgREST(PostgRESTOptions{
		BaseURL:       srv.URL + "/",
		APIKey:        "service-key",
		ProfilesTable: "profiles",
		PeersTable:    "wg_peers",
		Timeout:       time.Second,
	}, m)
	if err != nil {
		t.Fatal(err)
	}
	return p, m
}

func TestPostgRESTLookupPeerUser(t *testing.T) {
	f := &fakePostgREST{body: `[{"user_id":"u1"}]`}
	p, m := newTestPostgREST(t, f)

	uid, err := p.LookupPeerUser(context.Background(), "10.8.0.5")
	if err != nil || uid != "u1" {
		t.Fatalf("LookupPeerUser = (%q, %v)", uid, err)
	}

	req := f.last()
	if req.Method != http.MethodGet || req.Path != "/rest/v1/wg_peers" {
		t.Errorf("request = %s %s", req.Method, req.Path)
	}
	if req.Query["or"] != `(ip_address.eq."10.8.0.5",ip_address.eq."10.8.0.5/32")` {
		t.Errorf("or filter = %s", req.Query["or"])
	}
	if req.Header.Get("apikey") != "service-key" || req.Header.Get("Authorization") != "Bearer service-key" {
		t.Errorf("auth headers = %v", req.Header)
	}
	if m.StoreRequestsTotal != 1 {
		t.Errorf("requests = %d", m.StoreRequestsTotal)
	}

	f.respond(0, `[]`)
	if _, err := p.LookupPeerUser(context.Background(), "10.8.0.6"); !errors.Is(err, ErrNotFound) {
		t.Errorf("empty result err = %v", err)
	}
	f.respond(0, `[{"user_id":null}]`)
	if _, err := p.LookupPeerUser(context.Background(), "10.8.0.6"); !errors.Is(err, ErrNotFound) {
		t.Errorf("null user err = %v", err)
	}
}

func TestPostgRESTFetchProfile(t *testing.T) {
	f := &fakePostgREST{body: `[{"id":"u1","state":"gaming","activated":true,"region":null,"lobby":"ranked","extra":1}]`}
	p, _ := newTestPostgREST(t, f)

	prof, err := p.FetchProfile(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if prof.State != model.StateGaming || !prof.Activated || prof.Region != nil || *prof.Lobby != "ranked" {
		t.Errorf("profile = %+v", prof)
	}
	if f.last().Query["id"] != "eq.u1" {
		t.Errorf("query = %v", f.last().Query)
	}
}

func TestPostgRESTUpdateProfile(t *testing.T) {
	f := &fakePostgREST{status: http.StatusNoContent}
	p, _ := newTestPostgREST(t, f)

	err := p.UpdateProfile(context.Background(), "u1", map[string]any{"state": model.StateOnline, "region": nil})
	if err != nil {
		t.Fatal(err)
	}
	req := f.last()
	if req.Method != http.MethodPatch || req.Query["id"] != "eq.u1" || req.Header.Get("Prefer") != "return=minimal" {
		t.Errorf("request = %+v", req)
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "online" || body["region"] != nil || len(body) != 2 {
		t.Errorf("body = %s", req.Body)
	}

	if err := p.UpdateProfile(context.Background(), "u1", map[string]any{"nope": 1}); err == nil {
		t.Error("unknown column accepted")
	}
	if err := p.UpdateProfile(context.Background(), "u1", nil); err != nil {
		t.Errorf("empty patch err = %v", err)
	}
	if f.count() != 1 {
		t.Errorf("requests = %d, want 1", f.count())
	}
}

func TestPostgRESTStatusErrors(t *testing.T) {
	f := &fakePostgREST{status: http.StatusBadRequest, body: `{"message":"bad"}`}
	p, m := newTestPostgREST(t, f)

	// 4xx 는 breaker 를 열지 않는다.
	for i := 0; i < 10; i++ {
		_, err := p.FetchProfile(context.Background(), "u1")
		var se *StatusError
		if !errors.As(err, &se) || se.Code != http.StatusBadRequest {
			t.Fatalf("attempt %d err = %v", i, err)
		}
	}

	f.respond(http.StatusServiceUnavailable, "")
	for i := 0; i < 5; i++ {
		_, _ = p.FetchProfile(context.Background(), "u1")
	}
	before := f.count()
	if _, err := p.FetchProfile(context.Background(), "u1"); err == nil {
		t.Fatal("expected open breaker error")
	}
	if f.count() != before {
		t.Error("open breaker should not reach the server")
	}
	if m.StoreErrorsTotal != 16 {
		t.Errorf("store errors = %d, want 16", m.StoreErrorsTotal)
	}
}

func TestPostgRESTPeers(t *testing.T) {
	f := &fakePostgREST{body: `[{"user_id":"u1","public_key":"k","ip_address":"10.8.0.2/32"}]`}
	p, _ := newTestPostgREST(t, f)
	ctx := context.Background()

	peers, err := p.ListPeers(ctx)
	if err != nil || len(peers) != 1 || peers[0].Host() != "10.8.0.2" {
		t.Fatalf("ListPeers = (%+v, %v)", peers, err)
	}
	if f.last().Query["order"] != "ip_address.asc" {
		t.Errorf("query = %v", f.last().Query)
	}

	if _, err := p.FindPeerByUser(ctx, "u1"); err != nil {
		t.Fatal(err)
	}

	f.respond(http.StatusCreated, "")
	if err := p.InsertPeer(ctx, model.Peer{UserID: "u2", PublicKey: "k2", IPAddress: "10.8.0.3/32"}); err != nil {
		t.Fatal(err)
	}
	if req := f.last(); req.Method != http.MethodPost || req.Body != `{"user_id":"u2","public_key":"k2","ip_address":"10.8.0.3/32"}` {
		t.Errorf("insert = %+v", req)
	}

	f.respond(http.StatusNoContent, "")
	if err := p.UpdatePeerKey(ctx, "u2", "k3"); err != nil {
		t.Fatal(err)
	}
	if req := f.last(); req.Method != http.MethodPatch || req.Query["user_id"] != "eq.u2" || req.Body != `{"public_key":"k3"}` {
		t.Errorf("update = %+v", req)
	}
}

func TestNewPostgRESTValidates(t *testing.T) {
	if _, err := NewPostgREST(PostgRESTOptions{}, nil); !errors.Is(err, ErrStoreDisabled) {
		t.Errorf("err = %v", err)
	}
	_, err := NewPostgREST(PostgRESTOptions{BaseURL: "http://x", APIKey: "k", ProfilesTable: "p r", PeersTable: "wg_peers"}, nil)
	if err == nil {
		t.Error("bad table name accepted")
	}
}
