package model

import "strings"

// Peer 는 wg_peers 테이블의 한 행이다. IPAddress 는 "10.8.0.x/32" 형태로 저장된다.
type Peer struct {
	UserID    string `json:"user_id"`
	PublicKey string `json:"public_key"`
	IPAddress string `json:"ip_address"`
}

// Host returns the address without its prefix length.
func (p Peer) Host() string {
	if i := strings.IndexByte(p.IPAddress, '/'); i >= 0 {
		return p.IPAddress[:i]
	}
	return p.IPAddress
}
