package wg

import "testing"

func TestRenderClientConfig(t *testing.T) {
	got := RenderClientConfig(ClientConfig{
		Address:         "10.8.0.2/32",
		PrivateKey:      "PRIV",
		DNS:             "8.8.8.8",
		ServerPublicKey: "SERVER",
		Endpoint:        "vpn.example.com:51820",
		AllowedIPs:      "0.0.0.0/0",
	})
	want := `[Interface]
Address = 10.8.0.2/32
PrivateKey = PRIV
DNS = 8.8.8.8
MTU = 1280

[Peer]
PublicKey = SERVER
Endpoint = vpn.example.com:51820
AllowedIPs = 0.0.0.0/0
PersistentKeepalive = 25
`
	if got != want {
		t.Errorf("got:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderClientConfigWithoutDNS(t *testing.T) {
	got := RenderClientConfig(ClientConfig{Address: "a", PrivateKey: "p", ServerPublicKey: "s", Endpoint: "e", AllowedIPs: "x"})
	want := "[Interface]\nAddress = a\nPrivateKey = p\nMTU = 1280\n\n[Peer]\nPublicKey = s\nEndpoint = e\nAllowedIPs = x\nPersistentKeepalive = 25\n"
	if got != want {
		t.Errorf("got %q", got)
	}
}
