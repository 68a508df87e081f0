package wg

import "strings"

// ClientConfig 는 클라이언트용 wg-quick 설정 파일에 들어가는 값이다.
type ClientConfig struct {
	Address         string
	PrivateKey      string
	DNS             string // 비어 있으면 생략
	ServerPublicKey string
	Endpoint        string
	AllowedIPs      string
}

// RenderClientConfig 는 [Interface] / [Peer] 두 섹션짜리 설정 파일을 만든다.
// 모바일 망을 고려해 MTU 1280, NAT 유지를 위해 PersistentKeepalive 25 로 고정한다.
func RenderClientConfig(c ClientConfig) string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	b.WriteString("Address = " + c.Address + "\n")
	b.WriteString("PrivateKey = " + c.PrivateKey + "\n")
	if c.DNS != "" {
		b.WriteString("DNS = " + c.DNS + "\n")
	}
	b.WriteString("MTU = 1280\n")
	b.WriteString("\n")

	b.WriteString("[Peer]\n")
	b.WriteString("PublicKey = " + c.ServerPublicKey + "\n")
	b.WriteString("Endpoint = " + c.Endpoint + "\n")
	b.WriteString("AllowedIPs = " + c.AllowedIPs + "\n")
	b.WriteString("PersistentKeepalive = 25\n")

	return b.String()
}
