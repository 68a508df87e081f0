package action

import (
	"testing"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
)

func strp(s string) *string { return &s }

func TestPatchColumns(t *testing.T) {
	p := Patch{
		State:             Value(model.StateOnline),
		Lobby:             Null[string](),
		PlayerHandle:      Null[string](),
		QueryPendingMatch: Null[json.RawMessage](),
	}
	cols := p.Columns()
	if len(cols) != 4 {
		t.Fatalf("columns = %v, want 4 entries", cols)
	}
	if cols["state"] != model.StateOnline {
		t.Errorf("state = %v", cols["state"])
	}
	for _, c := range []string{"lobby", "player_handle", "query_pending_match"} {
		v, ok := cols[c]
		if !ok || v != nil {
			t.Errorf("%s = (%v, %v), want nil", c, v, ok)
		}
	}
	if (Patch{}).Columns() == nil || len((Patch{}).Columns()) != 0 {
		t.Error("empty patch should yield an empty column map")
	}
}

func TestPatchDiffers(t *testing.T) {
	cur := &model.Profile{
		ID:                "u1",
		State:             model.StateOnline,
		Lobby:             strp("ranked"),
		QueryPendingMatch: raw(`{"a":1,"b":[1,2]}`),
	}

	tests := []struct {
		name string
		p    Patch
		want bool
	}{
		{"same state", Patch{State: Value(model.StateOnline)}, false},
		{"new state", Patch{State: Value(model.StateGaming)}, true},
		{"same lobby", Patch{Lobby: Value("ranked")}, false},
		{"clear lobby", Patch{Lobby: Null[string]()}, true},
		{"clear nil column", Patch{PlayerHandle: Null[string]()}, false},
		{"set nil column", Patch{Country: Value("KR")}, true},
		{"json reordered", Patch{QueryPendingMatch: Value(raw(`{"b":[1,2],"a":1}`))}, false},
		{"json changed", Patch{QueryPendingMatch: Value(raw(`{"a":2,"b":[1,2]}`))}, true},
		{"activated false", Patch{Activated: Value(false)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Differs(cur); got != tt.want {
				t.Errorf("Differs = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPatchApplyTo(t *testing.T) {
	cur := &model.Profile{ID: "u1", State: model.StateMatching, Lobby: strp("ranked"), PlayerHandle: strp("ace")}
	p := Patch{
		State:             Value(model.StateOnline),
		Lobby:             Null[string](),
		SessionToken:      Value("tok"),
		QueryPendingMatch: Value(raw(`[1]`)),
	}
	p.ApplyTo(cur)

	if cur.State != model.StateOnline {
		t.Errorf("state = %q", cur.State)
	}
	if cur.Lobby != nil {
		t.Errorf("lobby = %v, want nil", *cur.Lobby)
	}
	if cur.SessionToken == nil || *cur.SessionToken != "tok" {
		t.Errorf("session_token = %v", cur.SessionToken)
	}
	if cur.PlayerHandle == nil || *cur.PlayerHandle != "ace" {
		t.Error("unset column must be left alone")
	}
	if string(cur.QueryPendingMatch) != "[1]" {
		t.Errorf("query_pending_match = %s", cur.QueryPendingMatch)
	}
	if p.Differs(cur) {
		t.Error("patch should not differ after being applied")
	}
}
