// internal/worker/archive.go
package worker

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/config"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Uploader 는 archive 가 쓰는 객체 저장소 연산이다. (S3Uploader)
type Uploader interface {
	UploadBytesWithRetryCtx(ctx context.Context, key string, body []byte) error
	UploadFileWithRetryCtx(ctx context.Context, key string, f io.ReadSeeker, size int64) error
}

// Archiver 는 stdout 으로 내보낸 정제 스트림을 S3 에 보관하는 파이프라인이다.
// 레코드(recordCh)를 모아서(batch)
//   - gzip+JSONL로 인코딩
//   - S3 업로드 (실패 시 DLQ 저장)
//
// 하는 전체 흐름을 제어한다.
//
// 주요 구성:
//   - recordCh: ingest 루프 → Archiver 로 레코드 전달 (가득 차면 drop)
//   - collectLoop: 배치 사이즈 또는 FlushInterval 마다 묶어서 uploadCh 에 전달
//   - uploadCh: 인코딩 및 S3 업로드 작업 큐
//   - uploadLoop: 실제 업로드 및 DLQ 처리 담당
//
// Shutdown 은 recordCh 를 닫고 남은 배치를 모두 업로드(또는 DLQ 저장)한 뒤 반환한다.
type Archiver struct {
	cfg     config.Config
	metrics *metrics.Metrics
	up      Uploader
	dlq     *DLQManager
	encoder *Encoder

	recordCh chan *model.FlowRecord
	uploadCh chan model.ArchiveJob

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewArchiver 는 DLQManager · Encoder 를 초기화하고 채널을 구성한다.
func NewArchiver(cfg config.Config, m *metrics.Metrics, up Uploader) *Archiver {
	return &Archiver{
		cfg:      cfg,
		metrics:  m,
		up:       up,
		dlq:      NewDLQManager(cfg, m, up),
		encoder:  NewEncoder(),
		recordCh: make(chan *model.FlowRecord, cfg.ArchiveQueue),
		uploadCh: make(chan model.ArchiveJob, cfg.ArchiveUploadQueue),
	}
}

// Start 는 collectLoop / uploadLoop 두 goroutine 을 실행한다.
func (a *Archiver) Start(parent context.Context) {
	a.ctx, a.cancel = context.WithCancel(context.WithoutCancel(parent))

	a.wg.Add(2)
	go a.collectLoop()
	go a.uploadLoop()
}

// Submit 은 레코드를 archive 큐에 넣는다. 가득 찼거나 종료 중이면 false.
func (a *Archiver) Submit(rec *model.FlowRecord) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return false
	}
	select {
	case a.recordCh <- rec:
		return true
	default:
		atomic.AddInt64(&a.metrics.ArchiveDroppedTotal, 1)
		return false
	}
}

// Shutdown 은 recordCh 를 닫고 collect → upload 순으로 모두 끝날 때까지 기다린다.
// 업로드가 끝나지 않으면 ctx 가 끝날 때 남은 배치를 DLQ 로 넘긴다.
func (a *Archiver) Shutdown(ctx context.Context) {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.recordCh)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("archive shutdown deadline reached, cancelling uploads")
		a.cancel()
		<-done
	}
	a.cancel()
}

// collectLoop 는 recordCh 에서 레코드를 읽어 batch 로 묶는다.
// flush() 는 항상 새 slice 를 만들어 재사용으로 인한 데이터 오염을 막는다.
func (a *Archiver) collectLoop() {
	defer a.wg.Done()
	defer close(a.uploadCh)

	batch := make([]*model.FlowRecord, 0, a.cfg.ArchiveBatchSize)
	timer := time.NewTimer(a.cfg.ArchiveFlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(a.cfg.ArchiveFlushInterval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		a.uploadCh <- model.ArchiveJob{Records: batch}
		batch = make([]*model.FlowRecord, 0, a.cfg.ArchiveBatchSize)
	}

	for {
		select {
		case rec, ok := <-a.recordCh:
			if !ok {
				// 입력 종료 → 남은 batch 처리 후 종료
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= a.cfg.ArchiveBatchSize {
				flush()
				reset()
			}

		case <-timer.C:
			// FlushInterval 도달 → batch 업로드
			flush()
			timer.Reset(a.cfg.ArchiveFlushInterval)
		}
	}
}

// uploadLoop 는 uploadCh 에서 batch 를 받아
//  1. gzip+JSONL 인코딩
//  2. S3 업로드 (실패 시 DLQ 저장)
//  3. DLQ 재업로드 3건 (starvation 방지)
//
// 를 수행한다. uploadCh 가 닫히면 종료된다.
func (a *Archiver) uploadLoop() {
	defer a.wg.Done()

	idle := time.NewTicker(time.Second)
	defer idle.Stop()

	for {
		select {
		case job, ok := <-a.uploadCh:
			if !ok {
				log.Info().Msg("archive uploader exiting")
				return
			}
			a.processUploadCtx(a.ctx, job)

			for i := 0; i < 3; i++ {
				a.dlq.ProcessOneCtx(a.ctx)
			}

		case <-idle.C:
			// idle 시에도 DLQ 재업로드 진행
			for i := 0; i < 3; i++ {
				a.dlq.ProcessOneCtx(a.ctx)
			}
		}
	}
}

// processUploadCtx 는 하나의 배치를 처리한다.
//  1. 인코딩 실패 → 평문 JSONL 을 DLQ prefix 로 best-effort 업로드
//  2. S3 업로드 실패(또는 취소) → 로컬 DLQ 저장
//  3. 성공 시 metrics 업데이트
func (a *Archiver) processUploadCtx(ctx context.Context, job model.ArchiveJob) {
	n := len(job.Records)
	if n == 0 {
		return
	}

	data, err := a.encoder.EncodeBatchJSONLGZ(job.Records)
	if err != nil {
		log.Error().Err(err).Int("records", n).Msg("archive encode failed")

		var buf bytes.Buffer
		for _, rec := range job.Records {
			if b, err := json.Marshal(rec); err == nil {
				buf.Write(b)
				buf.WriteByte('\n')
			}
		}
		key := BuildS3Key(a.cfg.ArchiveDLQPrefix, NewFilename(".jsonl"))
		_ = a.up.UploadBytesWithRetryCtx(ctx, key, buf.Bytes())
		atomic.AddInt64(&a.metrics.DLQRecordsEnqueuedTotal, int64(n))
		return
	}

	key := BuildS3Key(a.cfg.ArchivePrefix, NewFilename(".jsonl.gz"))
	if err := a.up.UploadBytesWithRetryCtx(ctx, key, data); err != nil {
		log.Warn().Err(err).Str("key", key).Int("records", n).Msg("archive upload failed, saving to DLQ")
		if err2 := a.dlq.Save(data, n); err2 != nil {
			log.Error().Err(err2).Msg("local DLQ save failed")
		}
		return
	}
	atomic.AddInt64(&a.metrics.S3RecordsStoredTotal, int64(n))
}
