package worker

import (
	"sync/atomic"
	"time"
)

// timecache.go
// ------------------------------------------------------------
// 현재 UTC 시각과 S3 파티션 값(dt / hr)을 초 단위로 캐싱한다.
// archive 는 배치마다, DLQ 는 재업로드마다 key 를 만들기 때문에 매번 Format 할 필요가 없다.
//
// 세 값은 한 번에 교체되므로 자정 / 정시 경계에서도 dt 와 hr 이 서로 다른 시각을 가리키지 않는다.

type stamp struct {
	unix int64
	dt   string // "YYYY-MM-DD"
	hr   string // "HH"
}

var current atomic.Pointer[stamp]

func init() {
	refresh(time.Now())

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for now := range ticker.C {
			refresh(now)
		}
	}()
}

func refresh(now time.Time) {
	now = now.UTC()
	current.Store(&stamp{
		unix: now.Unix(),
		dt:   now.Format("2006-01-02"),
		hr:   now.Format("15"),
	})
}

// Unix returns the cached UTC epoch seconds.
func Unix() int64 {
	return current.Load().unix
}

// Partition 은 같은 시각에서 읽은 dt, hr 쌍을 돌려준다.
func Partition() (dt, hr string) {
	s := current.Load()
	return s.dt, s.hr
}
