// Package supervisor 는 모니터의 백그라운드 서비스(liveness sweeper, WireGuard sync,
// HTTP 서버)를 suture 트리로 묶는다.
//
// ingest 루프 자체는 트리 밖 foreground 에서 돈다. 입력 EOF 가 곧 프로세스 종료이기 때문이다.
package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/thejerf/suture/v4"
)

// Config 는 트리 재시작 정책이다. 0 값은 suture 기본값으로 채운다.
type Config struct {
	FailureThreshold float64
	FailureDecay     float64
	FailureBackoff   time.Duration
	ShutdownTimeout  time.Duration
}

// Tree
//
//	mitm-monitor
//	├── workers  (sweeper, wg sync)
//	└── api      (health / metrics)
//
// 종료 시 workers 를 먼저 멈추고 api 는 마지막까지 살려 둔다.
type Tree struct {
	root    *suture.Supervisor
	workers *suture.Supervisor
	api     *suture.Supervisor

	workersToken suture.ServiceToken
	timeout      time.Duration
}

func New(cfg Config) *Tree {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.FailureDecay == 0 {
		cfg.FailureDecay = 30
	}
	if cfg.FailureBackoff == 0 {
		cfg.FailureBackoff = 15 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	spec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: cfg.FailureThreshold,
		FailureDecay:     cfg.FailureDecay,
		FailureBackoff:   cfg.FailureBackoff,
		Timeout:          cfg.ShutdownTimeout,
	}

	t := &Tree{
		root:    suture.New("mitm-monitor", spec),
		workers: suture.New("workers", spec),
		api:     suture.New("api", spec),
		timeout: cfg.ShutdownTimeout,
	}
	t.workersToken = t.root.Add(t.workers)
	t.root.Add(t.api)
	return t
}

// eventHook 은 suture 이벤트를 zerolog 로 남긴다.
func eventHook(ev suture.Event) {
	level := zerolog.WarnLevel
	switch ev.Type() {
	case suture.EventTypeServicePanic:
		level = zerolog.ErrorLevel
	case suture.EventTypeResume:
		level = zerolog.InfoLevel
	}
	log.WithLevel(level).Fields(ev.Map()).Str("event", ev.String()).Msg("supervisor event")
}

func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

func (t *Tree) AddAPI(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// ServeBackground 는 트리를 띄우고, 트리가 멈추면 에러(또는 nil)를 보내는 채널을 돌려준다.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// StopWorkers 는 workers 하위 서비스만 멈추고 끝날 때까지 기다린다.
func (t *Tree) StopWorkers() error {
	return t.root.RemoveAndWait(t.workersToken, t.timeout)
}
