package profile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mitm-monitor/internal/action"
	"mitm-monitor/internal/model"
	"mitm-monitor/internal/store"
)

func newIdentity(s *store.Memory, id string, state model.State) *model.Identity {
	p := model.Profile{ID: id, State: state}
	s.PutProfile(p)
	return &model.Identity{ID: id, Profile: p.Clone()}
}

func TestApplyWritesOnce(t *testing.T) {
	s := store.NewMemory()
	mut := NewMutator(s, nil, time.Second)
	ident := newIdentity(s, "u1", model.StateOffline)
	ctx := context.Background()

	p := action.Patch{State: action.Value(model.StateOnline), Activated: action.Value(true)}

	wrote, err := mut.Apply(ctx, ident, p)
	if err != nil || !wrote {
		t.Fatalf("first Apply = (%v, %v), want (true, nil)", wrote, err)
	}
	wrote, err = mut.Apply(ctx, ident, p)
	if err != nil || wrote {
		t.Fatalf("second Apply = (%v, %v), want (false, nil)", wrote, err)
	}

	if _, _, updates := s.Calls(); updates != 1 {
		t.Errorf("store updates = %d, want 1", updates)
	}
	row, _ := s.Profile("u1")
	if row.State != model.StateOnline || !row.Activated {
		t.Errorf("stored row = %+v", row)
	}
	if ident.Profile.State != model.StateOnline {
		t.Errorf("snapshot state = %q, want online", ident.Profile.State)
	}
}

func TestApplyEmptyPatch(t *testing.T) {
	s := store.NewMemory()
	mut := NewMutator(s, nil, time.Second)
	ident := newIdentity(s, "u1", model.StateOnline)

	wrote, err := mut.Apply(context.Background(), ident, action.Patch{})
	if err != nil || wrote {
		t.Fatalf("Apply(empty) = (%v, %v)", wrote, err)
	}
	if _, _, updates := s.Calls(); updates != 0 {
		t.Errorf("store updates = %d, want 0", updates)
	}
}

func TestApplyFailureKeepsSnapshot(t *testing.T) {
	s := store.NewMemory()
	mut := NewMutator(s, nil, time.Second)
	ident := newIdentity(s, "u1", model.StateOnline)
	ctx := context.Background()
	p := action.Patch{State: action.Value(model.StateGaming)}

	s.FailNext(errors.New("boom"))
	if _, err := mut.Apply(ctx, ident, p); err == nil {
		t.Fatal("expected update error")
	}
	if ident.Profile.State != model.StateOnline {
		t.Fatalf("snapshot changed after failed write: %q", ident.Profile.State)
	}

	// 같은 patch 를 다시 보내면 쓰기를 재시도한다.
	wrote, err := mut.Apply(ctx, ident, p)
	if err != nil || !wrote {
		t.Fatalf("retry Apply = (%v, %v)", wrote, err)
	}
}

func TestMutateBuildError(t *testing.T) {
	s := store.NewMemory()
	mut := NewMutator(s, nil, time.Second)
	ident := newIdentity(s, "u1", model.StateOnline)

	wantErr := errors.New("bad payload")
	_, err := mut.Mutate(context.Background(), ident, func(model.Profile) (action.Patch, error) {
		return action.Patch{State: action.Value(model.StateGaming)}, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if _, _, updates := s.Calls(); updates != 0 {
		t.Error("nothing should be written when build fails")
	}
}

func TestMutateSerializesPerIdentity(t *testing.T) {
	s := store.NewMemory()
	mut := NewMutator(s, nil, time.Second)
	ident := newIdentity(s, "u1", model.StateOffline)

	// 모두 같은 전이를 시도하지만 잠금 덕분에 첫 번째만 실제로 쓴다.
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = mut.Mutate(context.Background(), ident, func(cur model.Profile) (action.Patch, error) {
				if cur.State != model.StateOffline {
					return action.Patch{}, nil
				}
				return action.Patch{State: action.Value(model.StateOnline)}, nil
			})
		}()
	}
	wg.Wait()

	if _, _, updates := s.Calls(); updates != 1 {
		t.Errorf("store updates = %d, want 1", updates)
	}
}

func TestMutateNilIdentity(t *testing.T) {
	mut := NewMutator(store.NewMemory(), nil, time.Second)
	wrote, err := mut.Apply(context.Background(), nil, action.Patch{State: action.Value(model.StateOnline)})
	if wrote || err != nil {
		t.Fatalf("Apply(nil) = (%v, %v)", wrote, err)
	}
}

type hangingUpdater struct{}

func (hangingUpdater) UpdateProfile(ctx context.Context, _ string, _ map[string]any) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestApplyTimesOutOnHangingStore(t *testing.T) {
	mut := NewMutator(hangingUpdater{}, nil, 50*time.Millisecond)
	ident := &model.Identity{ID: "u1", Profile: &model.Profile{ID: "u1", State: model.StateOnline}}

	start := time.Now()
	wrote, err := mut.Apply(context.Background(), ident, action.Patch{State: action.Value(model.StateGaming)})
	elapsed := time.Since(start)

	if wrote || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Apply = (%v, %v), want (false, deadline exceeded)", wrote, err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Apply took %v, want about 50ms", elapsed)
	}
	if ident.Profile.State != model.StateOnline {
		t.Errorf("snapshot state = %q, want online", ident.Profile.State)
	}
}

func TestApplyRejectsUnknownState(t *testing.T) {
	s := store.NewMemory()
	mut := NewMutator(s, nil, time.Second)
	ident := newIdentity(s, "u1", model.StateOnline)

	for _, p := range []action.Patch{
		{State: action.Value(model.State("afk"))},
		{State: action.Null[model.State]()},
	} {
		wrote, err := mut.Apply(context.Background(), ident, p)
		if wrote || !errors.Is(err, ErrInvalidState) {
			t.Fatalf("Apply(%v) = (%v, %v), want ErrInvalidState", p.Columns(), wrote, err)
		}
	}
	if _, _, updates := s.Calls(); updates != 0 {
		t.Errorf("store updates = %d, want 0", updates)
	}
	if ident.Profile.State != model.StateOnline {
		t.Errorf("snapshot state = %q, want online", ident.Profile.State)
	}
}
