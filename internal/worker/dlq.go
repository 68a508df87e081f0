// internal/worker/dlq.go
package worker

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"mitm-monitor/internal/config"
	"mitm-monitor/internal/metrics"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

const metaSuffix = ".meta.json"

// DLQManager 는 S3 업로드에 실패한 archive 배치를 로컬 디스크에 저장하고,
// 이후 재업로드를 담당한다.
// TTL 판단은 파일명 앞 ULID 의 timestamp 기준으로 한다.
type DLQManager struct {
	dir       string
	maxAge    time.Duration
	maxSize   int64
	rawPrefix string
	dlqPrefix string
	metrics   *metrics.Metrics
	uploader  Uploader
	now       func() time.Time

	// 현재 DLQ 디렉토리에 저장된 data 파일 총 바이트 수
	dlqSizeBytes int64
}

// NewDLQManager 는 DLQ 디렉토리를 초기화하고, 기존 파일을 스캔하여
// DLQSizeBytes / DLQFilesCurrent 를 복원한다.
// data 없이 .meta.json 만 남은 orphan 도 정리한다.
func NewDLQManager(cfg config.Config, m *metrics.Metrics, uploader Uploader) *DLQManager {
	if err := os.MkdirAll(cfg.DLQDir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", cfg.DLQDir).Msg("create DLQ dir failed")
	}

	d := &DLQManager{
		dir:       cfg.DLQDir,
		maxAge:    cfg.DLQMaxAge,
		maxSize:   cfg.DLQMaxSizeBytes,
		rawPrefix: cfg.ArchivePrefix,
		dlqPrefix: cfg.ArchiveDLQPrefix,
		metrics:   m,
		uploader:  uploader,
		now:       func() time.Time { return time.Unix(Unix(), 0) },
	}

	var total, count int64

	entries, err := os.ReadDir(d.dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}

			name := e.Name()
			full := filepath.Join(d.dir, name)

			if strings.HasSuffix(name, metaSuffix) {
				dataName := strings.TrimSuffix(name, metaSuffix)
				if _, err := os.Stat(filepath.Join(d.dir, dataName)); os.IsNotExist(err) {
					_ = os.Remove(full)
				}
				continue
			}

			if info, err := e.Info(); err == nil {
				total += info.Size()
				count++
			}
		}
	}

	atomic.StoreInt64(&d.dlqSizeBytes, total)
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	return d
}

// Save 는 업로드 실패한 gzip+JSONL 배치를 로컬 DLQ 에 저장한다.
// numRecords 는 메타 파일(.meta.json)에 기록된다.
func (d *DLQManager) Save(data []byte, numRecords int) error {
	if len(data) == 0 || numRecords <= 0 {
		return nil
	}

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		log.Error().Int64("bytes", size).Int("records", numRecords).Msg("DLQ full, dropping batch")
		atomic.AddInt64(&d.metrics.DLQRecordsDroppedTotal, int64(numRecords))
		return nil
	}

	filename := NewFilename(".jsonl.gz")
	dataPath := filepath.Join(d.dir, filename)
	metaPath := dataPath + metaSuffix

	if err := os.WriteFile(dataPath, data, 0o600); err != nil {
		return fmt.Errorf("write DLQ file: %w", err)
	}

	meta := []byte(fmt.Sprintf(`{"num_records":%d}`, numRecords))
	_ = os.WriteFile(metaPath, meta, 0o600)

	atomic.AddInt64(&d.dlqSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQRecordsEnqueuedTotal, int64(numRecords))

	return nil
}

// ensureCapacity 는 DLQMaxSizeBytes 를 넘지 않도록 가장 오래된 파일부터 지운다.
// 지울 파일이 더 없으면 false.
func (d *DLQManager) ensureCapacity(incoming int64) bool {
	if d.maxSize <= 0 {
		return true
	}

	for {
		if atomic.LoadInt64(&d.dlqSizeBytes)+incoming <= d.maxSize {
			return true
		}

		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}

		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
		log.Warn().Str("file", oldest).Msg("DLQ capacity reached, removed oldest file")
	}
}

// remove 는 data/meta 파일을 지우고 용량 카운터를 되돌린다.
func (d *DLQManager) remove(name string) {
	dataPath := filepath.Join(d.dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		atomic.AddInt64(&d.dlqSizeBytes, -info.Size())
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOneCtx 는 가장 오래된 파일 1개를 archive prefix (또는 DLQ prefix) 로 재업로드한다.
// TTL 을 넘은 파일은 업로드하지 않고 지운다.
func (d *DLQManager) ProcessOneCtx(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	name := d.pickOldest()
	if name == "" {
		return
	}

	dataPath := filepath.Join(d.dir, name)
	metaPath := dataPath + metaSuffix

	info, err := os.Stat(dataPath)
	if err != nil {
		_ = os.Remove(metaPath)
		return
	}
	size := info.Size()

	// --- TTL 판단: 파일명 ULID timestamp 기반 ---
	if d.maxAge > 0 {
		if created, ok := timeFromFilename(name); ok {
			if age := d.now().Sub(created); age > d.maxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				log.Info().Str("file", name).Dur("age", age).Msg("DLQ TTL expired, deleted")
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("DLQ open failed")
		return
	}
	defer f.Close()

	// 유효하면 archive prefix, 아니면 DLQ prefix 로 보낸다.
	valid := d.validateFile(f, size)
	key := BuildS3Key(d.dlqPrefix, name)
	if valid {
		key = BuildS3Key(d.rawPrefix, name)
	}

	if err := d.uploader.UploadFileWithRetryCtx(ctx, key, f, size); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("DLQ reupload failed")
		return
	}

	// meta 에서 num_records 읽기 (없거나 깨져 있으면 1)
	numRecords := int64(1)
	if meta, err := os.ReadFile(metaPath); err == nil {
		var v struct {
			NumRecords int64 `json:"num_records"`
		}
		if json.Unmarshal(meta, &v) == nil && v.NumRecords > 0 {
			numRecords = v.NumRecords
		}
	}

	_ = f.Close()
	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQRecordsReuploadedTotal, numRecords)

	log.Info().Str("key", key).Int64("records", numRecords).Bool("valid", valid).Msg("DLQ reupload success")
}

// validateFile 은 gzip 을 풀어 첫 JSONL 라인이 유효한 JSON 객체인지 검사한다.
func (d *DLQManager) validateFile(f *os.File, size int64) bool {
	if size <= 0 {
		return false
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return false
	}

	gz, err := gzip.NewReader(f)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}

// pickOldest 는 data 파일 중 파일명(=ULID=시간) 기준 가장 오래된 파일을 돌려준다.
// ReadDir 결과 순서는 보장되지 않으므로 반드시 정렬한다.
func (d *DLQManager) pickOldest() string {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return ""
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasSuffix(name, metaSuffix) {
			continue
		}
		if name == "" || name[0] == '.' {
			continue
		}
		files = append(files, name)
	}

	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)
	return files[0]
}
