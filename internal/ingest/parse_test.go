package ingest

import (
	"errors"
	"testing"
)

func TestParseLineSkips(t *testing.T) {
	for _, line := range []string{
		"",
		"   \t ",
		"-----",
		"==========",
		"mitmproxy started on :8080",
		"2024-01-01 ---- garbage {not json",
	} {
		if _, err := ParseLine(line); !errors.Is(err, ErrSkip) {
			t.Errorf("ParseLine(%q) err = %v, want ErrSkip", line, err)
		}
	}
}

func TestParseLineMalformed(t *testing.T) {
	for _, line := range []string{
		`{"time": "x", `+"\x00"+`}`,
		`{not json}`,
		`} before {`,
		`{"a":1} trailing {"b":2}`,
	} {
		if _, err := ParseLine(line); !errors.Is(err, ErrMalformed) {
			t.Errorf("ParseLine(%q) err = %v, want ErrMalformed", line, err)
		}
	}
}

func TestParseLineProjects(t *testing.T) {
	line := `Jan 01 00:00:00 host mitm[1]: {"time":"2024-01-01T00:00:00Z","client_ip":"10.8.0.5","method":"POST",` +
		`"url":"https://rpc.kindred-live.net/rpc/endSession","status":200,"req_headers":{"a":"b"},` +
		`"req_body":{"params":[]},"res_body":{"ok":true},"extra":"dropped"}`

	rec, err := ParseLine(line)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Time != "2024-01-01T00:00:00Z" || rec.ClientIP != "10.8.0.5" || rec.Method != "POST" || rec.Status != 200 {
		t.Errorf("record = %+v", rec)
	}
	if rec.URL != "https://rpc.kindred-live.net/rpc/endSession" {
		t.Errorf("url = %q", rec.URL)
	}
	if string(rec.ResBody) != `{"ok":true}` || string(rec.ReqBody) != `{"params":[]}` || string(rec.ReqHeaders) != `{"a":"b"}` {
		t.Errorf("bodies = %s / %s / %s", rec.ResBody, rec.ReqBody, rec.ReqHeaders)
	}
}

func TestParseLineToleratesWrongTypes(t *testing.T) {
	rec, err := ParseLine(`{"client_ip":null,"status":"200","url":42,"time":"t"}`)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ClientIP != "" || rec.Status != 0 || rec.URL != "" || rec.Time != "t" {
		t.Errorf("record = %+v", rec)
	}

	rec, err = ParseLine(`{"status":404.0}`)
	if err != nil || rec.Status != 404 {
		t.Errorf("float status = (%+v, %v)", rec, err)
	}
}
