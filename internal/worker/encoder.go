package worker

import (
	"mitm-monitor/internal/model"
	"mitm-monitor/internal/pool"

	json "github.com/goccy/go-json"
)

// Encoder 는 FlowRecord 배치를 gzip JSONL 로 직렬화한다.
// 레코드는 stdout echo 와 같은 모양(req_headers / req_body 제외)으로 기록한다.
type Encoder struct{}

func NewEncoder() *Encoder {
	return &Encoder{}
}

// EncodeBatchJSONLGZ 는 pool 버퍼에 압축한 뒤 결과를 새 slice 로 복사해 돌려준다.
// 호출자가 결과를 DLQ 파일이나 재시도 업로드에 오래 들고 있어도 pool 과 섞이지 않는다.
func (e *Encoder) EncodeBatchJSONLGZ(records []*model.FlowRecord) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GetGzip(buf)
	defer pool.PutGzip(gz)

	enc := json.NewEncoder(gz)
	enc.SetEscapeHTML(false)
	for _, rec := range records {
		if err := enc.Encode(rec.Echo(false)); err != nil {
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return append([]byte(nil), buf.Bytes()...), nil
}
