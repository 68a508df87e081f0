package store

import (
	"context"
	"errors"
	"testing"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
)

func TestMemoryProfileRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutProfile(model.Profile{ID: "u1", State: model.StateOffline})

	err := m.UpdateProfile(ctx, "u1", map[string]any{
		"state":               model.StateOnline,
		"activated":           true,
		"region":              "eu",
		"country":             nil,
		"query_pending_match": json.RawMessage(`{"ok":1}`),
	})
	if err != nil {
		t.Fatal(err)
	}

	p, err := m.FetchProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if p.State != model.StateOnline || !p.Activated || p.Region == nil || *p.Region != "eu" || p.Country != nil {
		t.Errorf("profile = %+v", p)
	}
	if string(p.QueryPendingMatch) != `{"ok":1}` {
		t.Errorf("qpm = %s", p.QueryPendingMatch)
	}

	// 돌려받은 사본을 고쳐도 저장소는 그대로다.
	p.State = model.StateGaming
	if q, _ := m.Profile("u1"); q.State != model.StateOnline {
		t.Error("FetchProfile must return a copy")
	}
}

func TestMemoryRejects(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	m.PutProfile(model.Profile{ID: "u1"})

	if err := m.UpdateProfile(ctx, "u1", map[string]any{"password": "x"}); err == nil {
		t.Error("unknown column accepted")
	}
	if err := m.UpdateProfile(ctx, "u1", map[string]any{"activated": "yes"}); err == nil {
		t.Error("wrong type accepted")
	}
	if err := m.UpdateProfile(ctx, "nobody", map[string]any{"state": "online"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing row err = %v", err)
	}
	if _, err := m.FetchProfile(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing profile err = %v", err)
	}
}

func TestMemoryPeers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.InsertPeer(ctx, model.Peer{UserID: "u2", PublicKey: "k2", IPAddress: "10.8.0.3/32"}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertPeer(ctx, model.Peer{UserID: "u1", PublicKey: "k1", IPAddress: "10.8.0.2"}); err != nil {
		t.Fatal(err)
	}
	if err := m.InsertPeer(ctx, model.Peer{UserID: "u3", IPAddress: "10.8.0.3/32"}); err == nil {
		t.Error("duplicate address accepted")
	}

	for addr, want := range map[string]string{"10.8.0.3": "u2", "10.8.0.2": "u1"} {
		got, err := m.LookupPeerUser(ctx, addr)
		if err != nil || got != want {
			t.Errorf("LookupPeerUser(%s) = (%q, %v), want %q", addr, got, err, want)
		}
	}
	if _, err := m.LookupPeerUser(ctx, "10.8.0.9"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown addr err = %v", err)
	}

	peers, _ := m.ListPeers(ctx)
	if len(peers) != 2 || peers[0].UserID != "u1" {
		t.Errorf("peers = %+v", peers)
	}

	if err := m.UpdatePeerKey(ctx, "u2", "k2b"); err != nil {
		t.Fatal(err)
	}
	if p, _ := m.FindPeerByUser(ctx, "u2"); p.PublicKey != "k2b" {
		t.Errorf("peer = %+v", p)
	}
	if err := m.UpdatePeerKey(ctx, "nobody", "k"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMemoryFailNext(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")
	m.FailNext(boom)

	if _, err := m.LookupPeerUser(ctx, "10.8.0.2"); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.LookupPeerUser(ctx, "10.8.0.2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failure should apply once, got %v", err)
	}
	if l, f, u := m.Calls(); l != 2 || f != 0 || u != 0 {
		t.Errorf("calls = %d %d %d", l, f, u)
	}
}
