package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"
)

type orderHandler struct {
	mu   sync.Mutex
	seen map[string][]string
}

func (h *orderHandler) Handle(_ context.Context, rec *model.FlowRecord) error {
	if rec.URL == "panic" {
		panic("boom")
	}
	if rec.URL == "fail" {
		return errors.New("fail")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen[rec.ClientIP] = append(h.seen[rec.ClientIP], rec.URL)
	return nil
}

func TestDispatcherKeepsPerAddressOrder(t *testing.T) {
	h := &orderHandler{seen: map[string][]string{}}
	d := NewDispatcher(h, metrics.New(), 4, 256)
	d.Start(context.Background())

	clients := []string{"10.8.0.2", "10.8.0.3", "10.8.0.4", "10.8.0.5", "10.8.0.6"}
	for i := 0; i < 40; i++ {
		for _, c := range clients {
			if !d.Submit(&model.FlowRecord{ClientIP: c, URL: fmt.Sprint(i)}) {
				t.Fatal("queue unexpectedly full")
			}
		}
	}
	d.Shutdown()

	for _, c := range clients {
		got := h.seen[c]
		if len(got) != 40 {
			t.Fatalf("%s: %d records, want 40", c, len(got))
		}
		for i, u := range got {
			if u != fmt.Sprint(i) {
				t.Fatalf("%s: record %d is %s", c, i, u)
			}
		}
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	m := metrics.New()
	d := NewDispatcher(&orderHandler{seen: map[string][]string{}}, m, 1, 1)

	if !d.Submit(&model.FlowRecord{ClientIP: "a"}) {
		t.Fatal("first submit should fit")
	}
	if d.Submit(&model.FlowRecord{ClientIP: "a"}) {
		t.Fatal("second submit should be dropped")
	}
	d.Shutdown()
	if d.Submit(&model.FlowRecord{ClientIP: "a"}) {
		t.Fatal("submit after shutdown should fail")
	}
	if m.DispatchQueuedTotal != 1 || m.DispatchDroppedTotal != 2 {
		t.Errorf("queued=%d dropped=%d", m.DispatchQueuedTotal, m.DispatchDroppedTotal)
	}
}

func TestDispatcherSurvivesPanicAndErrors(t *testing.T) {
	h := &orderHandler{seen: map[string][]string{}}
	m := metrics.New()
	d := NewDispatcher(h, m, 1, 8)
	d.Start(context.Background())

	d.Submit(&model.FlowRecord{ClientIP: "a", URL: "panic"})
	d.Submit(&model.FlowRecord{ClientIP: "a", URL: "fail"})
	d.Submit(&model.FlowRecord{ClientIP: "a", URL: "ok"})
	d.Shutdown()

	if got := h.seen["a"]; len(got) != 1 || got[0] != "ok" {
		t.Errorf("seen = %v", got)
	}
	if m.DispatchErrorsTotal != 2 {
		t.Errorf("errors = %d, want 2", m.DispatchErrorsTotal)
	}
}

func TestShardIsStable(t *testing.T) {
	d := NewDispatcher(nil, nil, 8, 1)
	for _, key := range []string{"", "10.8.0.2", "10.8.255.254"} {
		s := d.shard(key)
		if s < 0 || s >= 8 || s != d.shard(key) {
			t.Errorf("shard(%q) = %d", key, s)
		}
	}
}
