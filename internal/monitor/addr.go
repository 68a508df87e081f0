package monitor

import (
	"net"
	"net/netip"
	"strings"
)

// ------------------------------------------------------------
// 주소 정규화
//
// mitmproxy 는 client 주소를 여러 형태로 남긴다.
//   - "10.8.0.5"
//   - "10.8.0.5:51820"          (포트 포함)
//   - "::ffff:10.8.0.5"         (IPv4-mapped IPv6)
//   - "[::ffff:10.8.0.5]:51820"
//
// wg_peers.ip_address 는 IPv4 ("10.8.0.5/32") 로 저장되므로
// 캐시 key 와 조회 값을 한 형태로 맞춘다.
// ------------------------------------------------------------

// normalizeAddr:
//   - 공백/빈 값 → ""
//   - 포트 제거, IPv4-mapped → IPv4
//   - IP 로 해석되지 않으면 원래 문자열을 그대로 쓴다 (조회는 실패하고 negative 로 캐시된다)
func normalizeAddr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	addr, err := netip.ParseAddr(s)
	if err != nil {
		return s
	}
	return addr.Unmap().String()
}
