package wg

import (
	"errors"
	"net/netip"
	"strings"
)

// 터널 주소 대역. 10.8.0.1 은 서버 자신이다.
var (
	pool      = netip.MustParsePrefix("10.8.0.0/16")
	firstHost = netip.MustParseAddr("10.8.0.2")
)

var ErrPoolExhausted = errors.New("wg: address pool exhausted")

// NextAddress
// ------------------------------------------------------------
// 사용 중인 주소 목록에서 다음 클라이언트 주소("a.b.c.d/32")를 고른다.
//
//   - 대역 안의 가장 큰 주소 + 1 부터 찾는다 (빈 테이블이면 10.8.0.2)
//   - 마지막 octet 이 0, 1, 255 이거나 이미 쓰는 주소는 건너뛴다
//   - 대역을 벗어나면 ErrPoolExhausted
//
// used 의 값은 "/32" 가 붙어 있어도 없어도 된다. 해석할 수 없는 값은 무시한다.
func NextAddress(used []string) (string, error) {
	taken := make(map[netip.Addr]struct{}, len(used))
	var max netip.Addr

	for _, u := range used {
		a, ok := parseHost(u)
		if !ok || !pool.Contains(a) {
			continue
		}
		taken[a] = struct{}{}
		if !max.IsValid() || max.Less(a) {
			max = a
		}
	}

	next := firstHost
	if max.IsValid() && !max.Less(firstHost) {
		next = max.Next()
	}

	for ; pool.Contains(next); next = next.Next() {
		last := next.As4()[3]
		if last == 0 || last == 1 || last == 255 {
			continue
		}
		if _, ok := taken[next]; ok {
			continue
		}
		return next.String() + "/32", nil
	}
	return "", ErrPoolExhausted
}

func parseHost(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	a, err := netip.ParseAddr(s)
	if err != nil || !a.Is4() {
		return netip.Addr{}, false
	}
	return a, true
}
