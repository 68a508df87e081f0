// internal/model/profile.go
package model

import (
	json "github.com/goccy/go-json"
)

// State 는 profiles.state 컬럼에 기록되는 플레이어 상태.
// Mutator 만 이 값을 쓰며, 아래 닫힌 집합 이외의 값은 쓰지 않는다.
type State string

const (
	StateOnline    State = "online"
	StateOffline   State = "offline"
	StateMatching  State = "matching"
	StateGaming    State = "gaming"
	StateRecording State = "recording"
)

// Valid reports whether s belongs to the closed state set.
func (s State) Valid() bool {
	switch s {
	case StateOnline, StateOffline, StateMatching, StateGaming, StateRecording:
		return true
	}
	return false
}

// Profile
// ------------------------------------------------------------
// 외부 store(profiles 테이블)의 한 행을 메모리에 복사한 snapshot.
// select * 결과 중 아래 컬럼만 사용하고 나머지는 무시한다.
// nullable 컬럼은 포인터(또는 RawMessage)로 표현한다.
type Profile struct {
	ID                string          `json:"id"`
	Handle            *string         `json:"handle"`
	State             State           `json:"state"`
	Activated         bool            `json:"activated"`
	SessionToken      *string         `json:"session_token"`
	Country           *string         `json:"country"`
	Region            *string         `json:"region"`
	PlayerUUID        *string         `json:"player_uuid"`
	Lobby             *string         `json:"lobby"`
	QueryPendingMatch json.RawMessage `json:"query_pending_match"`
	PlayerHandle      *string         `json:"player_handle"`
}

// Clone 은 포인터 필드까지 복사한 독립 사본을 돌려준다.
func (p *Profile) Clone() *Profile {
	c := *p
	c.Handle = cloneStr(p.Handle)
	c.SessionToken = cloneStr(p.SessionToken)
	c.Country = cloneStr(p.Country)
	c.Region = cloneStr(p.Region)
	c.PlayerUUID = cloneStr(p.PlayerUUID)
	c.Lobby = cloneStr(p.Lobby)
	c.PlayerHandle = cloneStr(p.PlayerHandle)
	if p.QueryPendingMatch != nil {
		c.QueryPendingMatch = append(json.RawMessage(nil), p.QueryPendingMatch...)
	}
	return &c
}

func cloneStr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// Identity
// ------------------------------------------------------------
// 주소 → 사용자 해석 결과.
// ID 는 불변이고, Profile snapshot 은 profile.Mutator 가 per-id 잠금 하에서만 갱신한다.
type Identity struct {
	ID      string
	Profile *Profile
}
