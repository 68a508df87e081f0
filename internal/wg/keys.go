// Package wg 는 WireGuard peer 테이블을 다룬다.
//
//   - 키 쌍 생성 / 다음 터널 주소 할당 / 클라이언트 설정 파일 생성 (allocate)
//   - wg_peers 테이블 → 커널 interface 동기화 (sync)
package wg

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// KeyPair 는 base64 로 인코딩한 X25519 키 쌍이다. (wg genkey / wg pubkey 와 같은 형식)
type KeyPair struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
}

var ErrInvalidKey = errors.New("wg: invalid key")

// GenerateKeyPair 는 새 개인키를 만들고 공개키를 계산한다.
func GenerateKeyPair() (KeyPair, error) {
	var priv [curve25519.ScalarSize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return KeyPair{}, fmt.Errorf("read random: %w", err)
	}
	clamp(&priv)

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("derive public key: %w", err)
	}
	return KeyPair{
		PrivateKey: base64.StdEncoding.EncodeToString(priv[:]),
		PublicKey:  base64.StdEncoding.EncodeToString(pub),
	}, nil
}

// PublicKeyFromPrivate 는 base64 개인키에서 공개키를 계산한다.
func PublicKeyFromPrivate(private string) (string, error) {
	raw, err := decodeKey(private)
	if err != nil {
		return "", err
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}

// ValidKey reports whether k is a base64 encoded 32 byte key.
func ValidKey(k string) bool {
	_, err := decodeKey(k)
	return err == nil
}

func decodeKey(k string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(k)
	if err != nil || len(raw) != curve25519.ScalarSize {
		return nil, ErrInvalidKey
	}
	return raw, nil
}

func clamp(k *[curve25519.ScalarSize]byte) {
	k[0] &= 248
	k[31] = (k[31] & 127) | 64
}
