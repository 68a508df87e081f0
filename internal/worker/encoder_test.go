package worker

import (
	"bufio"
	"bytes"
	"strings"
	"testing"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

func gunzipLines(t *testing.T, data []byte) []string {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	defer gz.Close()

	var lines []string
	sc := bufio.NewScanner(gz)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestEncodeBatchJSONLGZ(t *testing.T) {
	recs := []*model.FlowRecord{
		{Time: "t1", URL: "https://a", ReqBody: json.RawMessage(`{"x":1}`), ResBody: json.RawMessage(`{"y":2}`)},
		{Time: "t2", URL: "https://b", Status: 500},
	}

	data, err := NewEncoder().EncodeBatchJSONLGZ(recs)
	if err != nil {
		t.Fatal(err)
	}
	lines := gunzipLines(t, data)
	if len(lines) != 2 {
		t.Fatalf("lines = %v", lines)
	}
	if strings.Contains(lines[0], "req_body") || !strings.Contains(lines[0], `"res_body":{"y":2}`) {
		t.Errorf("line 0 = %s", lines[0])
	}
	if lines[1] != `{"time":"t2","url":"https://b","status":500}` {
		t.Errorf("line 1 = %s", lines[1])
	}
	if recs[0].ReqBody == nil {
		t.Error("encoder must not mutate the record")
	}
}
