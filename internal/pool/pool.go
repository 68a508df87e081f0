package pool

import (
	"bytes"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// 모니터는 프록시가 남기는 모든 라인을 다시 JSON 으로 직렬화해 stdout 에 쓰고,
// archive 가 켜져 있으면 배치마다 gzip 결과 버퍼를 만든다.
// 아래 Get/Put 쌍은 이 반복 할당을 줄이기 위한 것이다.
// ---------------------------------------------------------------

const (
	// MaxLineCap 보다 커진 echo 버퍼는 GC 에 맡긴다. (큰 응답 body 하나가 메모리를 계속 잡지 않도록)
	MaxLineCap = 64 * 1024

	// MaxBufferCap 보다 커진 archive 버퍼는 풀에 돌려주지 않는다.
	MaxBufferCap = 1 * 1024 * 1024
)

var (
	lines = sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, 4*1024)) },
	}
	buffers = sync.Pool{
		New: func() any { return bytes.NewBuffer(make([]byte, 0, 256*1024)) },
	}
	gzips = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// GetLine 은 echo 한 줄용 빈 버퍼를 준다. 한 번의 Write 로 내보내서 라인이 섞이지 않게 한다.
func GetLine() *bytes.Buffer {
	buf := lines.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func PutLine(buf *bytes.Buffer) {
	if buf.Cap() <= MaxLineCap {
		lines.Put(buf)
	}
}

// GetBuffer 는 gzip 결과를 담을 빈 버퍼를 준다.
func GetBuffer() *bytes.Buffer {
	buf := buffers.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buffers.Put(buf)
	}
}

// GetGzip 은 dst 로 쓰는 BestSpeed gzip.Writer 를 준다.
// 호출자는 Close 후 PutGzip 으로 돌려준다.
func GetGzip(dst io.Writer) *gzip.Writer {
	gz := gzips.Get().(*gzip.Writer)
	gz.Reset(dst)
	return gz
}

func PutGzip(gz *gzip.Writer) {
	gz.Reset(io.Discard)
	gzips.Put(gz)
}
