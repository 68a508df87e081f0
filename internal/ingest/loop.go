package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"
	"mitm-monitor/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Sink 는 레코드를 비동기로 넘겨받는 쪽이다. (worker.Dispatcher, worker.Archiver)
// Submit 은 절대 블록하지 않아야 한다.
type Sink interface {
	Submit(rec *model.FlowRecord) bool
}

// Options 는 Loop 의 선택 동작이다.
type Options struct {
	// EchoRequest 가 true 면 stdout 에 req_headers / req_body 도 쓴다.
	EchoRequest bool
	// Archive 가 nil 이 아니면 echo 한 레코드를 함께 넘긴다.
	Archive Sink
}

// Loop
// ------------------------------------------------------------
// 입력 스트림을 한 줄씩 읽어
//   - ParseLine 으로 FlowRecord 를 만들고
//   - dispatch 큐에 넘긴 뒤 (non-blocking)
//   - 정제된 JSON 한 줄을 out 에 쓴다
//
// 한 줄의 실패는 다음 줄에 영향을 주지 않는다.
type Loop struct {
	in       io.Reader
	out      io.Writer
	dispatch Sink
	opts     Options
	metrics  *metrics.Metrics
}

func NewLoop(in io.Reader, out io.Writer, dispatch Sink, m *metrics.Metrics, opts Options) *Loop {
	if m == nil {
		m = metrics.New()
	}
	return &Loop{
		in:       in,
		out:      out,
		dispatch: dispatch,
		opts:     opts,
		metrics:  m,
	}
}

// Run 은 입력이 끝나면 nil 을 돌려준다.
// ctx 가 먼저 끝나면 읽기를 기다리지 않고 ctx.Err() 로 반환한다.
func (l *Loop) Run(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- l.consume(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// consume 은 bufio.Scanner 대신 ReadString 을 쓴다. 응답 body 가 큰 라인도 길이 제한 없이 받는다.
func (l *Loop) consume(ctx context.Context) error {
	r := bufio.NewReaderSize(l.in, 64*1024)

	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if werr := l.handleLine(line); werr != nil {
				return werr
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info().Msg("input closed")
				return nil
			}
			return fmt.Errorf("read input: %w", err)
		}
	}
}

// handleLine 은 out 쓰기 실패만 에러로 돌려준다. (stdout 이 닫히면 더 진행할 의미가 없다)
func (l *Loop) handleLine(line string) error {
	atomic.AddInt64(&l.metrics.LinesTotal, 1)

	rec, err := ParseLine(line)
	switch {
	case errors.Is(err, ErrSkip):
		atomic.AddInt64(&l.metrics.LinesSkippedTotal, 1)
		return nil
	case err != nil:
		atomic.AddInt64(&l.metrics.LinesMalformedTotal, 1)
		log.Debug().Err(err).Int("bytes", len(line)).Msg("line dropped")
		return nil
	}

	if l.dispatch != nil && !l.dispatch.Submit(rec) {
		log.Debug().Str("client", rec.ClientIP).Str("url", rec.URL).Msg("dispatch queue full, record not projected")
	}
	if l.opts.Archive != nil {
		l.opts.Archive.Submit(rec)
	}

	return l.echo(rec)
}

// echo 는 레코드 하나를 한 번의 Write 로 내보낸다.
func (l *Loop) echo(rec *model.FlowRecord) error {
	buf := pool.GetLine()
	defer pool.PutLine(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(rec.Echo(l.opts.EchoRequest)); err != nil {
		log.Warn().Err(err).Str("url", rec.URL).Msg("echo encode failed")
		return nil
	}

	if _, err := l.out.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write echo: %w", err)
	}
	atomic.AddInt64(&l.metrics.RecordsEchoedTotal, 1)
	return nil
}
