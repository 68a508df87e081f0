package supervisor

import (
	"context"
	"testing"
	"time"
)

func TestStopWorkersKeepsAPI(t *testing.T) {
	tree := New(Config{ShutdownTimeout: 2 * time.Second})

	workerStarted := make(chan struct{})
	workerStopped := make(chan struct{})
	tree.AddWorker(Func("sweeper", func(ctx context.Context) error {
		close(workerStarted)
		<-ctx.Done()
		close(workerStopped)
		return ctx.Err()
	}))

	apiStarted := make(chan struct{})
	apiStopped := make(chan struct{})
	tree.AddAPI(Func("api", func(ctx context.Context) error {
		close(apiStarted)
		<-ctx.Done()
		close(apiStopped)
		return ctx.Err()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := tree.ServeBackground(ctx)

	wait := func(ch <-chan struct{}, what string) {
		t.Helper()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", what)
		}
	}
	wait(workerStarted, "worker start")
	wait(apiStarted, "api start")

	if err := tree.StopWorkers(); err != nil {
		t.Fatal(err)
	}
	wait(workerStopped, "worker stop")

	select {
	case <-apiStopped:
		t.Fatal("api stopped together with workers")
	default:
	}

	cancel()
	wait(apiStopped, "api stop")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestFuncString(t *testing.T) {
	if s := Func("liveness-sweeper", nil); s.(interface{ String() string }).String() != "liveness-sweeper" {
		t.Error("Func name lost")
	}
}
