// internal/worker/file_util.go
package worker

import (
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// file_util.go
// ------------------------------------------------------------
// archive / DLQ 파일 이름 규칙.
//
//	<ULID><ext>
//
// 예:
//
//	01JAR3Q7F6ZB0W2M8S4K9XG5TN.jsonl.gz
//
// ULID 는 앞 48bit 가 millisecond timestamp 이고 Crockford base32 로 인코딩되므로
// 문자열 정렬 = 시간 정렬이다. DLQ 에서 가장 오래된 파일을 고르고 TTL 을 판단할 때 쓴다.
// 같은 millisecond 안에서도 ulid.Make() 는 단조 증가하는 entropy 를 쓴다.

// NewFilename 은 ext (".jsonl.gz" 등)를 붙인 새 파일명을 만든다.
func NewFilename(ext string) string {
	return ulid.Make().String() + ext
}

// BuildS3Key
// ------------------------------------------------------------
// S3 Key 생성기.
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Athena / Glue 파티션 스캔 비용을 줄이기 위한 표준 구조.
func BuildS3Key(prefix, filename string) string {
	dt, hr := Partition()
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", prefix, dt, hr, filename)
}

// timeFromFilename 은 파일명 앞 26자리 ULID 에서 생성 시각을 읽는다.
func timeFromFilename(name string) (time.Time, bool) {
	if len(name) < ulid.EncodedSize {
		return time.Time{}, false
	}
	id, err := ulid.ParseStrict(strings.ToUpper(name[:ulid.EncodedSize]))
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(id.Time()), true
}
