// internal/worker/dispatch.go
package worker

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	"github.com/rs/zerolog/log"
)

// Handler 는 dispatch worker 가 레코드마다 호출하는 처리기다. (monitor.Handler)
type Handler interface {
	Handle(ctx context.Context, rec *model.FlowRecord) error
}

// Dispatcher
// ------------------------------------------------------------
// ingest 루프와 상태 투영(Resolver → Decoder → Mutator)을 분리하는 worker pool.
//
// 주요 구성:
//   - queues: worker 당 하나의 bounded 채널
//   - shard:  client 주소 hash 로 worker 를 고른다
//     → 같은 주소의 레코드는 항상 같은 worker 에서 도착 순서대로 처리된다
//   - Submit: non-blocking. 큐가 가득 차면 drop 후 카운트 (ingest 루프와 echo 는 절대 막히지 않는다)
//
// Shutdown 은 큐를 닫고, 남은 레코드를 모두 처리한 뒤 반환한다.
type Dispatcher struct {
	handler Handler
	metrics *metrics.Metrics
	queues  []chan *model.FlowRecord

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex // closed 와 채널 close 를 Submit 과 직렬화
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewDispatcher(h Handler, m *metrics.Metrics, workers, queueSize int) *Dispatcher {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	if m == nil {
		m = metrics.New()
	}
	d := &Dispatcher{
		handler: h,
		metrics: m,
		queues:  make([]chan *model.FlowRecord, workers),
	}
	for i := range d.queues {
		d.queues[i] = make(chan *model.FlowRecord, queueSize)
	}
	return d
}

// Start 는 worker goroutine 을 띄운다.
// parent 가 끝나도 큐에 남은 레코드는 Shutdown 에서 마저 처리한다.
func (d *Dispatcher) Start(parent context.Context) {
	d.ctx, d.cancel = context.WithCancel(context.WithoutCancel(parent))

	d.wg.Add(len(d.queues))
	for i, q := range d.queues {
		go d.loop(i, q)
	}
}

// Submit 은 레코드를 shard 큐에 넣는다. 큐가 가득 찼거나 종료 중이면 false.
func (d *Dispatcher) Submit(rec *model.FlowRecord) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		atomic.AddInt64(&d.metrics.DispatchDroppedTotal, 1)
		return false
	}

	select {
	case d.queues[d.shard(rec.ClientIP)] <- rec:
		atomic.AddInt64(&d.metrics.DispatchQueuedTotal, 1)
		return true
	default:
		atomic.AddInt64(&d.metrics.DispatchDroppedTotal, 1)
		return false
	}
}

func (d *Dispatcher) shard(key string) int {
	if len(d.queues) == 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.queues)))
}

// Shutdown 은 큐를 닫고 모든 worker 가 남은 레코드를 처리할 때까지 기다린다.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		for _, q := range d.queues {
			close(q)
		}
		d.mu.Unlock()
	})
	d.wg.Wait()
	if d.cancel != nil {
		d.cancel()
	}
}

func (d *Dispatcher) loop(id int, q <-chan *model.FlowRecord) {
	defer d.wg.Done()

	for rec := range q {
		d.process(id, rec)
	}
}

// process 는 레코드 하나를 처리한다. panic 은 여기서 잡고 로그만 남긴다.
func (d *Dispatcher) process(id int, rec *model.FlowRecord) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.metrics.DispatchErrorsTotal, 1)
			log.Error().Int("worker", id).Str("panic", fmt.Sprint(r)).Str("url", rec.URL).Msg("dispatch panic recovered")
		}
	}()

	if err := d.handler.Handle(d.ctx, rec); err != nil {
		atomic.AddInt64(&d.metrics.DispatchErrorsTotal, 1)
	}
}
