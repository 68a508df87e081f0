package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 는 모니터 프로세스 상태를 나타내는 카운터 모음이다.
// 모든 필드는 sync/atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// Ingest 루프 지표
	// ======================

	// LinesTotal
	// - 입력 스트림에서 읽은 모든 라인 수 (빈 줄 포함).
	LinesTotal int64

	// LinesSkippedTotal
	// - 빈 줄, 구분선(-----, =====) 처럼 의도적으로 건너뛴 라인 수.
	LinesSkippedTotal int64

	// LinesMalformedTotal
	// - 중괄호가 없거나 JSON 파싱에 실패해 버린 라인 수.
	// - 프록시 배너나 깨진 라인이 섞여 들어오는 정도를 보여준다.
	LinesMalformedTotal int64

	// RecordsEchoedTotal
	// - stdout 으로 다시 내보낸 FlowRecord 수.
	RecordsEchoedTotal int64

	// ======================
	// Dispatch 지표
	// ======================

	// DispatchQueuedTotal / DispatchDroppedTotal
	// - shard 큐에 들어간 레코드 수 / 큐가 가득 차서 버린 레코드 수.
	// - Dropped 가 계속 늘면 store 가 느려서 worker 가 밀리고 있다는 신호.
	DispatchQueuedTotal  int64
	DispatchDroppedTotal int64

	// DispatchIgnoredTotal
	// - API 호스트가 아니거나, 주소/액션/응답이 없어 필터에서 걸러진 레코드 수.
	DispatchIgnoredTotal int64

	// DispatchErrorsTotal
	// - handler 가 에러를 돌려주거나 panic 이 난 레코드 수.
	DispatchErrorsTotal int64

	// DecodeErrorsTotal
	// - 액션 body 안의 중첩 JSON 이 깨져서 no-op 처리된 호출 수.
	DecodeErrorsTotal int64

	// ======================
	// Identity 해석 지표
	// ======================

	ResolveCacheHitsTotal   int64 // cache 에서 바로 답한 횟수 (negative 포함)
	ResolveCacheMissesTotal int64 // 외부 조회까지 간 횟수
	ResolveNotFoundTotal    int64 // peer 또는 profile 이 없어 negative 로 기록한 횟수
	ResolveErrorsTotal      int64 // 외부 조회 실패 (캐시하지 않음)
	CacheEntries            int64 // gauge: 현재 cache 엔트리 수

	// ======================
	// Profile 변경 지표
	// ======================

	// ProfileUpdatesTotal
	// - store 에 실제로 update 를 보낸 횟수.
	// - PatchesSkippedTotal 과 합하면 "변경 후보" 전체 수가 된다.
	ProfileUpdatesTotal int64

	// PatchesSkippedTotal
	// - snapshot 과 같아서 쓰기를 생략한 patch 수 (diff 억제).
	PatchesSkippedTotal int64

	// ProfileUpdateErrorsTotal
	// - update 가 실패한 횟수. snapshot 은 갱신하지 않으므로 다음 호출에서 재시도된다.
	ProfileUpdateErrorsTotal int64

	// ======================
	// Liveness 지표
	// ======================

	LivenessTracked        int64 // gauge: 추적 중인 사용자 수
	LivenessOfflineTotal   int64 // idle 로 offline 강제한 횟수
	LivenessForgottenTotal int64 // 장시간 idle 로 추적에서 제거한 횟수

	// ======================
	// Store 지표
	// ======================

	StoreRequestsTotal int64 // 외부 store 로 나간 요청 수
	StoreErrorsTotal   int64 // 실패 (timeout, 5xx, circuit open 포함)

	// ======================
	// Archive (S3) 지표
	// ======================

	// ArchiveDroppedTotal
	// - archive 큐가 가득 차서 S3 로 보내지 못한 레코드 수 (stdout echo 는 정상).
	ArchiveDroppedTotal int64

	// S3RecordsStoredTotal
	// - 최종적으로 S3 에 성공 저장된 레코드 수 (배치 수가 아님).
	S3RecordsStoredTotal int64

	// S3PutErrorsTotal
	// - PutObject 시도(attempt) 실패 횟수. retry 마다 증가한다.
	S3PutErrorsTotal int64

	// ======================
	// DLQ (Dead Letter Queue) 지표
	// ======================

	DLQRecordsEnqueuedTotal   int64 // DLQ 에 들어간 레코드 수
	DLQRecordsReuploadedTotal int64 // DLQ 에서 재업로드로 복구된 레코드 수
	DLQRecordsDroppedTotal    int64 // DLQ 용량 부족으로 버린 레코드 수 (영구 유실)
	DLQFilesExpiredTotal      int64 // TTL / 용량 정책으로 삭제한 파일 수
	DLQFilesCurrent           int64 // gauge: 현재 DLQ 파일 수
	DLQSizeBytes              int64 // gauge: 현재 DLQ 용량

	// ======================
	// WireGuard 지표
	// ======================

	WGPeersAppliedTotal int64 // wg set ... allowed-ips 성공 횟수
	WGPeersRemovedTotal int64 // wg set ... remove 성공 횟수
	WGSyncErrorsTotal   int64 // reconcile 실패 횟수
}

func New() *Metrics {
	return &Metrics{}
}

// series 는 외부 노출 이름과 카운터 포인터의 고정 목록이다.
// String() 과 Register() 가 같은 목록을 쓴다.
type series struct {
	name  string
	help  string
	val   *int64
	gauge bool
}

func (m *Metrics) series() []series {
	return []series{
		{"lines_total", "Input lines read.", &m.LinesTotal, false},
		{"lines_skipped_total", "Blank and separator lines skipped.", &m.LinesSkippedTotal, false},
		{"lines_malformed_total", "Lines dropped because no JSON object could be parsed.", &m.LinesMalformedTotal, false},
		{"records_echoed_total", "Flow records written to stdout.", &m.RecordsEchoedTotal, false},

		{"dispatch_queued_total", "Flow records queued for dispatch.", &m.DispatchQueuedTotal, false},
		{"dispatch_dropped_total", "Flow records dropped because the shard queue was full.", &m.DispatchDroppedTotal, false},
		{"dispatch_ignored_total", "Flow records filtered out before resolution.", &m.DispatchIgnoredTotal, false},
		{"dispatch_errors_total", "Dispatch failures and recovered panics.", &m.DispatchErrorsTotal, false},
		{"decode_errors_total", "Action bodies that failed nested JSON decoding.", &m.DecodeErrorsTotal, false},

		{"resolve_cache_hits_total", "Identity lookups answered from cache.", &m.ResolveCacheHitsTotal, false},
		{"resolve_cache_misses_total", "Identity lookups that went to the store.", &m.ResolveCacheMissesTotal, false},
		{"resolve_not_found_total", "Addresses cached as unknown.", &m.ResolveNotFoundTotal, false},
		{"resolve_errors_total", "Identity lookups that failed and were not cached.", &m.ResolveErrorsTotal, false},
		{"identity_cache_entries", "Entries in the identity cache.", &m.CacheEntries, true},

		{"profile_updates_total", "Profile updates written to the store.", &m.ProfileUpdatesTotal, false},
		{"profile_patches_skipped_total", "Patches suppressed because nothing changed.", &m.PatchesSkippedTotal, false},
		{"profile_update_errors_total", "Profile updates rejected by the store.", &m.ProfileUpdateErrorsTotal, false},

		{"liveness_tracked", "Identities tracked for liveness.", &m.LivenessTracked, true},
		{"liveness_offline_total", "Identities forced offline after idling.", &m.LivenessOfflineTotal, false},
		{"liveness_forgotten_total", "Identities dropped from liveness tracking.", &m.LivenessForgottenTotal, false},

		{"store_requests_total", "Requests sent to the profile store.", &m.StoreRequestsTotal, false},
		{"store_errors_total", "Failed profile store requests.", &m.StoreErrorsTotal, false},

		{"archive_dropped_total", "Flow records not archived because the archive queue was full.", &m.ArchiveDroppedTotal, false},
		{"s3_records_stored_total", "Flow records stored in S3.", &m.S3RecordsStoredTotal, false},
		{"s3_put_errors_total", "Failed S3 PutObject attempts.", &m.S3PutErrorsTotal, false},

		{"dlq_records_enqueued_total", "Flow records saved to the local DLQ.", &m.DLQRecordsEnqueuedTotal, false},
		{"dlq_records_reuploaded_total", "Flow records re-uploaded from the local DLQ.", &m.DLQRecordsReuploadedTotal, false},
		{"dlq_records_dropped_total", "Flow records dropped because the DLQ was full.", &m.DLQRecordsDroppedTotal, false},
		{"dlq_files_expired_total", "DLQ files removed by age or capacity policy.", &m.DLQFilesExpiredTotal, false},
		{"dlq_files_current", "Files in the local DLQ.", &m.DLQFilesCurrent, true},
		{"dlq_size_bytes", "Bytes in the local DLQ.", &m.DLQSizeBytes, true},

		{"wg_peers_applied_total", "WireGuard peers applied to the interface.", &m.WGPeersAppliedTotal, false},
		{"wg_peers_removed_total", "WireGuard peers removed from the interface.", &m.WGPeersRemovedTotal, false},
		{"wg_sync_errors_total", "Failed WireGuard reconcile passes.", &m.WGSyncErrorsTotal, false},
	}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	for _, s := range m.series() {
		fmt.Fprintf(&sb, "%s=%d\n", s.name, atomic.LoadInt64(s.val))
	}

	return sb.String()
}

// Register
//
// 카운터들을 Prometheus registry 에 CounterFunc / GaugeFunc 로 노출한다.
// 값은 scrape 시점에 atomic 으로 읽으므로 hot path 에는 비용이 없다.
// 이름에는 "mitm_monitor_" namespace 가 붙는다.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, s := range m.series() {
		val := s.val
		opts := prometheus.Opts{
			Namespace: "mitm_monitor",
			Name:      s.name,
			Help:      s.help,
		}
		read := func() float64 { return float64(atomic.LoadInt64(val)) }

		var c prometheus.Collector
		if s.gauge {
			c = prometheus.NewGaugeFunc(prometheus.GaugeOpts(opts), read)
		} else {
			c = prometheus.NewCounterFunc(prometheus.CounterOpts(opts), read)
		}
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register %s: %w", s.name, err)
		}
	}
	return nil
}
