package ingest

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
)

var (
	// ErrSkip 는 레코드가 아닌 라인(빈 줄, 구분선, JSON 이 없는 로그)이다.
	ErrSkip = errors.New("ingest: not a record line")

	// ErrMalformed 는 { ... } 구간이 JSON 으로 파싱되지 않는 라인이다.
	ErrMalformed = errors.New("ingest: malformed record")
)

// 프록시가 flow 사이에 찍는 "-----" / "=====" 구분선
var separatorRe = regexp.MustCompile(`^[-=]{5,}$`)

// ParseLine
// ------------------------------------------------------------
// 프록시 로그 한 줄을 FlowRecord 로 만든다.
//
//  1. 앞뒤 공백 제거, 빈 줄 / 구분선 → ErrSkip
//  2. 첫 '{' 부터 마지막 '}' 까지를 JSON 으로 파싱 (journald prefix 등 앞뒤 잡음 허용)
//  3. 알려진 필드만 투영한다. 타입이 맞지 않는 필드는 없는 것으로 본다.
func ParseLine(line string) (*model.FlowRecord, error) {
	s := strings.TrimSpace(line)
	if s == "" || separatorRe.MatchString(s) {
		return nil, ErrSkip
	}

	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < 0 {
		return nil, ErrSkip
	}
	if end < start {
		return nil, ErrMalformed
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(s[start:end+1]), &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return project(fields), nil
}

func project(fields map[string]json.RawMessage) *model.FlowRecord {
	return &model.FlowRecord{
		Time:       str(fields["time"]),
		ClientIP:   str(fields["client_ip"]),
		Method:     str(fields["method"]),
		URL:        str(fields["url"]),
		Status:     status(fields["status"]),
		ReqHeaders: fields["req_headers"],
		ReqBody:    fields["req_body"],
		ResBody:    fields["res_body"],
	}
}

func str(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// status 는 정수 외에 200.0 같은 실수 표기도 받는다.
func status(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0
	}
	return int(f)
}
