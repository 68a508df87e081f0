// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config
//
// 모니터 프로세스 실행에 필요한 모든 설정 값을 보관하는 구조체.
// 프로세스 시작 시점에 Load() 로 한 번 채워지고 이후에는 읽기 전용이다.
//
// koanf key 는 환경 변수 이름을 소문자로 바꾼 것과 같다.
// (예: SUPABASE_URL → supabase_url) YAML 설정 파일도 같은 key 를 쓴다.
type Config struct {

	// ---------------------------
	// 서비스 식별 / 로깅
	// ---------------------------

	ServiceName string `koanf:"service_name"` // 모든 로그에 붙는 service 필드
	InstanceID  string `koanf:"instance_id"`  // 호스트명 기반, 실패 시 랜덤 hex
	LogLevel    string `koanf:"log_level"`    // debug | info | warn | error
	LogPretty   bool   `koanf:"log_pretty"`   // true 면 사람이 읽는 console 포맷
	LogSampleN  uint32 `koanf:"log_sample_n"` // >1 이면 Debug/Info 를 N 개 중 1 개만 기록

	// ---------------------------
	// 입력 스트림
	// ---------------------------

	APIHost     string `koanf:"api_host"`     // 상태 투영 대상 RPC 호스트
	Input       string `koanf:"input"`        // stdin | journal
	MITMUnit    string `koanf:"mitm_unit"`    // journal 모드에서 tail 할 systemd unit
	EchoRequest bool   `koanf:"echo_request"` // stdout echo 에 req_headers/req_body 포함 여부

	// ---------------------------
	// Profile / Peer store
	// ---------------------------

	StoreBackend           string        `koanf:"store_backend"`             // postgrest | sqlite | memory
	SupabaseURL            string        `koanf:"supabase_url"`              // PostgREST base URL
	SupabaseServiceRoleKey string        `koanf:"supabase_service_role_key"` // service role key (apikey + Bearer)
	SQLitePath             string        `koanf:"sqlite_path"`               // 로컬 개발용 SQLite 파일
	ProfilesTable          string        `koanf:"profiles_table"`
	PeersTable             string        `koanf:"wg_peers_table"`
	StoreTimeout           time.Duration `koanf:"store_timeout"`    // 외부 호출 1회당 timeout
	StoreRateLimit         float64       `koanf:"store_rate_limit"` // 초당 요청 수 (0 = 무제한)
	StoreRateBurst         int           `koanf:"store_rate_burst"`

	// ---------------------------
	// Identity cache
	// ---------------------------

	CacheTTL        time.Duration `koanf:"cache_ttl"`
	CacheMaxEntries int           `koanf:"cache_max_entries"`

	// ---------------------------
	// Dispatch / Liveness
	// ---------------------------

	DispatchWorkers int           `koanf:"dispatch_workers"` // 주소 hash 기준 shard worker 수
	DispatchQueue   int           `koanf:"dispatch_queue"`   // worker 당 큐 크기 (가득 차면 drop)
	SweepInterval   time.Duration `koanf:"sweep_interval"`
	OfflineAfter    time.Duration `koanf:"offline_after"`
	ForgetAfter     time.Duration `koanf:"forget_after"`

	// ---------------------------
	// HTTP (health / metrics)
	// ---------------------------

	HTTPAddr        string        `koanf:"http_addr"`        // 빈 값이면 HTTP 서버를 띄우지 않는다
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"` // 서비스별 graceful stop 대기 시간

	// ---------------------------
	// Archive (선택): S3 + 로컬 DLQ
	// ---------------------------
	// ArchiveBucket 이 비어 있으면 archive 파이프라인 전체를 끈다.
	// S3 SDK 자체 retry 는 0 으로 고정하고 S3AppRetries 만 사용한다.

	ArchiveBucket        string        `koanf:"archive_bucket"`
	ArchivePrefix        string        `koanf:"archive_prefix"`
	ArchiveDLQPrefix     string        `koanf:"archive_dlq_prefix"`
	AWSRegion            string        `koanf:"aws_region"`
	ArchiveQueue         int           `koanf:"archive_queue"`
	ArchiveUploadQueue   int           `koanf:"archive_upload_queue"`
	ArchiveBatchSize     int           `koanf:"archive_batch_size"`
	ArchiveFlushInterval time.Duration `koanf:"archive_flush_interval"`
	S3Timeout            time.Duration `koanf:"s3_timeout"`
	S3AppRetries         int           `koanf:"s3_app_retries"`
	DLQDir               string        `koanf:"dlq_dir"`
	DLQMaxAge            time.Duration `koanf:"dlq_max_age"`
	DLQMaxSizeBytes      int64         `koanf:"dlq_max_size_bytes"`

	// ---------------------------
	// WireGuard companion
	// ---------------------------

	WGInterface       string        `koanf:"wg_interface"`
	WGSyncInterval    time.Duration `koanf:"wg_sync_interval"` // 0 이면 run 에서 syncer 를 띄우지 않는다
	WGServerPublicKey string        `koanf:"wg_server_public_key"`
	WGEndpoint        string        `koanf:"wg_endpoint"`
	WGAllowedIPs      string        `koanf:"wg_allowed_ips"`
	WGDNS             string        `koanf:"wg_dns"`
}

// ConfigPathEnvVar 로 YAML 설정 파일 경로를 지정할 수 있다.
const ConfigPathEnvVar = "CONFIG_PATH"

// DefaultConfigPath 는 CONFIG_PATH 가 없을 때 찾아보는 로컬 개발용 파일.
const DefaultConfigPath = "monitor.local.yaml"

// Default 는 모든 값이 채워진 기본 설정이다.
func Default() Config {
	return Config{
		ServiceName: "mitm-monitor",
		LogLevel:    "info",
		LogSampleN:  1,

		APIHost:  "rpc.kindred-live.net",
		Input:    "stdin",
		MITMUnit: "mitm-proxy",

		StoreBackend:   "postgrest",
		SQLitePath:     "mitm-monitor.db",
		ProfilesTable:  "profiles",
		PeersTable:     "wg_peers",
		StoreTimeout:   5 * time.Second,
		StoreRateLimit: 50,
		StoreRateBurst: 20,

		CacheTTL:        24 * time.Hour,
		CacheMaxEntries: 1000,

		DispatchWorkers: 8,
		DispatchQueue:   1024,
		SweepInterval:   time.Minute,
		OfflineAfter:    2 * time.Minute,
		ForgetAfter:     30 * time.Minute,

		HTTPAddr:        ":9090",
		ShutdownTimeout: 15 * time.Second,

		ArchivePrefix:        "flows",
		ArchiveDLQPrefix:     "flows_dlq",
		ArchiveQueue:         4096,
		ArchiveUploadQueue:   8,
		ArchiveBatchSize:     500,
		ArchiveFlushInterval: 30 * time.Second,
		S3Timeout:            5 * time.Second,
		S3AppRetries:         3,
		DLQDir:               "dlq",
		DLQMaxAge:            72 * time.Hour,
		DLQMaxSizeBytes:      512 << 20,

		WGInterface:    "wg0",
		WGSyncInterval: 0,
		WGAllowedIPs:   "0.0.0.0/0",
		WGDNS:          "8.8.8.8",
	}
}

// Load
//
// 설정을 세 단계로 겹쳐 읽는다. 뒤 단계가 앞 단계를 덮어쓴다.
//  1. Default() 구조체 기본값
//  2. YAML 파일 (path 인자 → CONFIG_PATH → monitor.local.yaml 순, 없으면 생략)
//  3. 환경 변수 (알려진 key 만 반영, 나머지 env 는 무시)
//
// 검증에 실패하면 에러를 돌려준다. 호출자는 시작 단계에서 fail-fast 한다.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("load defaults: %w", err)
	}

	if p := findConfigFile(path); p != "" {
		if err := k.Load(file.Provider(p), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", p, err)
		}
	}

	known := make(map[string]struct{})
	for _, key := range k.Keys() {
		known[key] = struct{}{}
	}
	envProvider := env.Provider("", ".", func(key string) string {
		key = strings.ToLower(key)
		if _, ok := known[key]; ok {
			return key
		}
		return ""
	})
	if err := k.Load(envProvider, nil); err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = fallbackInstanceID()
	}
	cfg.APIHost = strings.ToLower(strings.TrimSpace(cfg.APIHost))
	cfg.Input = strings.ToLower(strings.TrimSpace(cfg.Input))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	cfg.SupabaseURL = strings.TrimRight(cfg.SupabaseURL, "/")

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate 는 실행에 필요한 값이 모두 있는지 검사한다.
// 여러 문제가 있으면 한 번에 모두 돌려준다.
func (c Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.APIHost == "" {
		fail("api_host is required")
	}
	switch c.Input {
	case "stdin", "journal":
	default:
		fail("input must be stdin or journal, got %q", c.Input)
	}
	if c.Input == "journal" && c.MITMUnit == "" {
		fail("mitm_unit is required when input=journal")
	}

	switch c.StoreBackend {
	case "postgrest":
		if c.SupabaseURL == "" {
			fail("supabase_url is required for store_backend=postgrest")
		}
		if c.SupabaseServiceRoleKey == "" {
			fail("supabase_service_role_key is required for store_backend=postgrest")
		}
	case "sqlite":
		if c.SQLitePath == "" {
			fail("sqlite_path is required for store_backend=sqlite")
		}
	case "memory":
	default:
		fail("store_backend must be postgrest, sqlite or memory, got %q", c.StoreBackend)
	}
	if c.ProfilesTable == "" || c.PeersTable == "" {
		fail("profiles_table and wg_peers_table must not be empty")
	}
	if c.StoreTimeout <= 0 {
		fail("store_timeout must be positive")
	}
	if c.StoreRateLimit < 0 {
		fail("store_rate_limit must not be negative")
	}

	if c.CacheTTL <= 0 || c.CacheMaxEntries <= 0 {
		fail("cache_ttl and cache_max_entries must be positive")
	}
	if c.DispatchWorkers <= 0 || c.DispatchQueue <= 0 {
		fail("dispatch_workers and dispatch_queue must be positive")
	}
	if c.SweepInterval <= 0 || c.OfflineAfter <= 0 || c.ForgetAfter <= 0 {
		fail("sweep_interval, offline_after and forget_after must be positive")
	}
	if c.ForgetAfter <= c.OfflineAfter {
		fail("forget_after (%s) must be longer than offline_after (%s)", c.ForgetAfter, c.OfflineAfter)
	}

	if c.ArchiveEnabled() {
		if c.AWSRegion == "" {
			fail("aws_region is required when archive_bucket is set")
		}
		if c.ArchiveBatchSize <= 0 || c.ArchiveQueue <= 0 || c.ArchiveUploadQueue <= 0 {
			fail("archive_batch_size, archive_queue and archive_upload_queue must be positive")
		}
		if c.ArchiveFlushInterval <= 0 || c.S3Timeout <= 0 || c.S3AppRetries <= 0 {
			fail("archive_flush_interval, s3_timeout and s3_app_retries must be positive")
		}
		if c.DLQDir == "" {
			fail("dlq_dir is required when archive_bucket is set")
		}
	}

	if c.WGSyncInterval < 0 {
		fail("wg_sync_interval must not be negative")
	}

	return errors.Join(errs...)
}

// ArchiveEnabled reports whether the S3 archive pipeline should run.
func (c Config) ArchiveEnabled() bool {
	return c.ArchiveBucket != ""
}

// findConfigFile 은 명시 경로 → CONFIG_PATH → 기본 파일 순으로 찾는다.
// 명시 경로나 CONFIG_PATH 는 존재하지 않아도 그대로 돌려줘서 로드 에러가 나게 한다.
func findConfigFile(path string) string {
	if path != "" {
		return path
	}
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultConfigPath); err == nil {
		return DefaultConfigPath
	}
	return ""
}

// fallbackInstanceID
//
// 이 모니터 인스턴스를 식별하는 고유 값.
//   - 기본: hostname
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
