package pool

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func TestGetLineIsEmpty(t *testing.T) {
	buf := GetLine()
	buf.WriteString("dirty")
	PutLine(buf)

	if got := GetLine(); got.Len() != 0 {
		t.Errorf("reused buffer has %d bytes", got.Len())
	}
}

func TestGzipRoundTrip(t *testing.T) {
	var dst bytes.Buffer
	gz := GetGzip(&dst)
	if _, err := gz.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	PutGzip(gz)

	r, err := gzip.NewReader(&dst)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := io.ReadAll(r)
	if string(b) != "hello\n" {
		t.Errorf("got %q", b)
	}
}
