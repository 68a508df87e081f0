// internal/model/flow.go
package model

import (
	"bytes"

	json "github.com/goccy/go-json"
)

// FlowRecord
// ------------------------------------------------------------
// MITM 프록시가 한 줄(JSON)로 남기는 단일 HTTP 흐름 레코드.
// ingest 루프에서 한 번 만들어진 뒤에는 절대 수정하지 않는다.
// dispatch(상태 투영)와 echo(stdout), archive(S3) 가 같은 포인터를 공유한다.
//
// body 계열 필드는 원본 JSON 그대로(RawMessage) 보관한다.
// 디코더가 필요한 시점에만 파싱하므로 대부분의 라인은 한 번만 파싱된다.
type FlowRecord struct {
	Time       string          `json:"time,omitempty"`        // 프록시가 기록한 시각 (형식 해석하지 않음)
	ClientIP   string          `json:"client_ip,omitempty"`   // WireGuard 터널 내부 주소 (없을 수 있음)
	Method     string          `json:"method,omitempty"`      // HTTP method
	URL        string          `json:"url,omitempty"`         // 전체 URL
	Status     int             `json:"status,omitempty"`      // 응답 status code
	ReqHeaders json.RawMessage `json:"req_headers,omitempty"` // 요청 헤더 (echo 기본 제외)
	ReqBody    json.RawMessage `json:"req_body,omitempty"`    // 요청 body (echo 기본 제외)
	ResBody    json.RawMessage `json:"res_body,omitempty"`    // 응답 body
}

// Echo 는 stdout 으로 내보낼 사본을 만든다.
// withRequest=false 이면 req_headers / req_body 를 뺀다.
func (f *FlowRecord) Echo(withRequest bool) FlowRecord {
	out := *f
	if !withRequest {
		out.ReqHeaders = nil
		out.ReqBody = nil
	}
	return out
}

// IsObject 는 raw JSON 이 객체({...})인지 검사한다.
func IsObject(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) > 1 && b[0] == '{'
}

// IsNull 은 값이 없거나 JSON null 인 경우 true.
func IsNull(raw json.RawMessage) bool {
	b := bytes.TrimSpace(raw)
	return len(b) == 0 || bytes.Equal(b, []byte("null"))
}

// ArchiveJob
// ------------------------------------------------------------
// archive 파이프라인에서 배치 단위로 업로드할 때 쓰는 구조체.
// Encoder → gzip JSONL → S3Uploader 로 전달된다.
type ArchiveJob struct {
	Records []*FlowRecord
}
