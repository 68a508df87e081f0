package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"mitm-monitor/internal/config"
	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/model"
)

// fakeUploader 는 업로드된 key 와 내용을 기록한다. fail 이 true 면 모든 업로드가 실패한다.
type fakeUploader struct {
	mu    sync.Mutex
	fail  bool
	keys  []string
	files map[string][]byte
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{files: map[string][]byte{}}
}

func (f *fakeUploader) UploadBytesWithRetryCtx(_ context.Context, key string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("s3 unavailable")
	}
	f.keys = append(f.keys, key)
	f.files[key] = append([]byte(nil), body...)
	return nil
}

func (f *fakeUploader) UploadFileWithRetryCtx(_ context.Context, key string, r io.ReadSeeker, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("s3 unavailable")
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.keys = append(f.keys, key)
	f.files[key] = b
	return nil
}

func (f *fakeUploader) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.keys...)
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.ArchiveBucket = "bucket"
	cfg.DLQDir = t.TempDir()
	cfg.ArchiveFlushInterval = time.Hour
	return cfg
}

func dataFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), metaSuffix) {
			names = append(names, e.Name())
		}
	}
	return names
}

func encodeTwo(t *testing.T) []byte {
	t.Helper()
	data, err := NewEncoder().EncodeBatchJSONLGZ([]*model.FlowRecord{{URL: "a"}, {URL: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDLQSaveAndReupload(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New()
	up := newFakeUploader()
	d := NewDLQManager(cfg, m, up)

	data := encodeTwo(t)
	if err := d.Save(data, 2); err != nil {
		t.Fatal(err)
	}
	if files := dataFiles(t, cfg.DLQDir); len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	if m.DLQFilesCurrent != 1 || m.DLQSizeBytes != int64(len(data)) || m.DLQRecordsEnqueuedTotal != 2 {
		t.Errorf("metrics after save:\n%s", m.String())
	}

	d.ProcessOneCtx(context.Background())

	keys := up.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], cfg.ArchivePrefix+"/dt=") {
		t.Fatalf("keys = %v", keys)
	}
	if string(up.files[keys[0]]) != string(data) {
		t.Error("reuploaded content differs")
	}
	if entries, _ := os.ReadDir(cfg.DLQDir); len(entries) != 0 {
		t.Errorf("DLQ dir not empty: %d entries", len(entries))
	}
	if m.DLQFilesCurrent != 0 || m.DLQSizeBytes != 0 || m.DLQRecordsReuploadedTotal != 2 {
		t.Errorf("metrics after reupload:\n%s", m.String())
	}
}

func TestDLQInvalidFileGoesToDLQPrefix(t *testing.T) {
	cfg := testConfig(t)
	up := newFakeUploader()
	d := NewDLQManager(cfg, metrics.New(), up)

	if err := d.Save([]byte("not gzip"), 1); err != nil {
		t.Fatal(err)
	}
	d.ProcessOneCtx(context.Background())

	keys := up.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], cfg.ArchiveDLQPrefix+"/") {
		t.Fatalf("keys = %v", keys)
	}
}

func TestDLQKeepsFileOnFailure(t *testing.T) {
	cfg := testConfig(t)
	up := newFakeUploader()
	up.fail = true
	d := NewDLQManager(cfg, metrics.New(), up)

	if err := d.Save(encodeTwo(t), 2); err != nil {
		t.Fatal(err)
	}
	d.ProcessOneCtx(context.Background())
	if files := dataFiles(t, cfg.DLQDir); len(files) != 1 {
		t.Fatalf("file should stay for a later retry, got %v", files)
	}
}

func TestDLQExpiresOldFiles(t *testing.T) {
	cfg := testConfig(t)
	m := metrics.New()
	up := newFakeUploader()
	d := NewDLQManager(cfg, m, up)

	if err := d.Save(encodeTwo(t), 2); err != nil {
		t.Fatal(err)
	}
	d.now = func() time.Time { return time.Now().Add(cfg.DLQMaxAge + time.Hour) }
	d.ProcessOneCtx(context.Background())

	if len(up.Keys()) != 0 {
		t.Error("expired file must not be uploaded")
	}
	if files := dataFiles(t, cfg.DLQDir); len(files) != 0 {
		t.Errorf("files = %v", files)
	}
	if m.DLQFilesExpiredTotal != 1 {
		t.Errorf("expired = %d", m.DLQFilesExpiredTotal)
	}
}

func TestDLQCapacity(t *testing.T) {
	cfg := testConfig(t)
	data := encodeTwo(t)
	cfg.DLQMaxSizeBytes = int64(len(data)) * 2
	m := metrics.New()
	d := NewDLQManager(cfg, m, newFakeUploader())

	for i := 0; i < 3; i++ {
		if err := d.Save(data, 2); err != nil {
			t.Fatal(err)
		}
	}
	if files := dataFiles(t, cfg.DLQDir); len(files) != 2 {
		t.Fatalf("files = %v", files)
	}
	if m.DLQFilesExpiredTotal != 1 || m.DLQFilesCurrent != 2 {
		t.Errorf("metrics:\n%s", m.String())
	}

	// 한 배치가 전체 용량보다 크면 기존 파일을 모두 지워도 들어가지 못한다.
	big := make([]byte, cfg.DLQMaxSizeBytes+1)
	if err := d.Save(big, 5); err != nil {
		t.Fatal(err)
	}
	if m.DLQRecordsDroppedTotal != 5 {
		t.Errorf("dropped = %d", m.DLQRecordsDroppedTotal)
	}
}

func TestDLQRestoresStateOnStartup(t *testing.T) {
	cfg := testConfig(t)
	first := NewDLQManager(cfg, metrics.New(), newFakeUploader())
	data := encodeTwo(t)
	if err := first.Save(data, 2); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(cfg.DLQDir, "01ORPHAN.jsonl.gz"+metaSuffix)
	if err := os.WriteFile(orphan, []byte(`{"num_records":1}`), 0o600); err != nil {
		t.Fatal(err)
	}

	m := metrics.New()
	NewDLQManager(cfg, m, newFakeUploader())

	if m.DLQFilesCurrent != 1 || m.DLQSizeBytes != int64(len(data)) {
		t.Errorf("restored metrics:\n%s", m.String())
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphan meta file should be removed")
	}
}
