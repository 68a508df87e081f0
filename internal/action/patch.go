package action

import (
	"bytes"
	"reflect"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
)

// Patch
// ------------------------------------------------------------
// profiles 행에 대한 sparse 변경 집합.
// 디코더가 만들고, profile.Mutator 가 snapshot 과 비교한 뒤 store 에 쓴다.
// 설정된 필드만 update 컬럼이 된다.
type Patch struct {
	State             Field[model.State]
	Activated         Field[bool]
	SessionToken      Field[string]
	Country           Field[string]
	Region            Field[string]
	PlayerUUID        Field[string]
	Lobby             Field[string]
	QueryPendingMatch Field[json.RawMessage]
	PlayerHandle      Field[string]
	Handle            Field[string]
}

// Empty reports whether no column is set.
func (p Patch) Empty() bool {
	return !p.State.IsSet() &&
		!p.Activated.IsSet() &&
		!p.SessionToken.IsSet() &&
		!p.Country.IsSet() &&
		!p.Region.IsSet() &&
		!p.PlayerUUID.IsSet() &&
		!p.Lobby.IsSet() &&
		!p.QueryPendingMatch.IsSet() &&
		!p.PlayerHandle.IsSet() &&
		!p.Handle.IsSet()
}

// Columns 는 store update 용 컬럼 맵을 만든다. key 는 DB 컬럼 이름이다.
func (p Patch) Columns() map[string]any {
	cols := make(map[string]any, 4)
	put := func(name string, set bool, v any) {
		if set {
			cols[name] = v
		}
	}
	put("state", p.State.IsSet(), p.State.column())
	put("activated", p.Activated.IsSet(), p.Activated.column())
	put("session_token", p.SessionToken.IsSet(), p.SessionToken.column())
	put("country", p.Country.IsSet(), p.Country.column())
	put("region", p.Region.IsSet(), p.Region.column())
	put("player_uuid", p.PlayerUUID.IsSet(), p.PlayerUUID.column())
	put("lobby", p.Lobby.IsSet(), p.Lobby.column())
	put("player_handle", p.PlayerHandle.IsSet(), p.PlayerHandle.column())
	put("handle", p.Handle.IsSet(), p.Handle.column())
	if p.QueryPendingMatch.IsSet() {
		if raw, ok := p.QueryPendingMatch.Get(); ok && !model.IsNull(raw) {
			cols["query_pending_match"] = raw
		} else {
			cols["query_pending_match"] = nil
		}
	}
	return cols
}

// Differs 는 설정된 필드 중 하나라도 snapshot 과 다르면 true.
// JSON 컬럼은 바이트가 아니라 구조로 비교한다.
func (p Patch) Differs(cur *model.Profile) bool {
	if v, ok := p.State.Get(); ok && v != cur.State {
		return true
	}
	if v, ok := p.Activated.Get(); ok && v != cur.Activated {
		return true
	}
	if strDiffers(p.SessionToken, cur.SessionToken) ||
		strDiffers(p.Country, cur.Country) ||
		strDiffers(p.Region, cur.Region) ||
		strDiffers(p.PlayerUUID, cur.PlayerUUID) ||
		strDiffers(p.Lobby, cur.Lobby) ||
		strDiffers(p.PlayerHandle, cur.PlayerHandle) ||
		strDiffers(p.Handle, cur.Handle) {
		return true
	}
	if p.QueryPendingMatch.IsSet() {
		raw, _ := p.QueryPendingMatch.Get()
		if !jsonEqual(raw, cur.QueryPendingMatch) {
			return true
		}
	}
	return false
}

// ApplyTo 는 store 쓰기가 성공한 뒤 snapshot 에 patch 를 병합한다.
func (p Patch) ApplyTo(cur *model.Profile) {
	if v, ok := p.State.Get(); ok {
		cur.State = v
	}
	if v, ok := p.Activated.Get(); ok {
		cur.Activated = v
	}
	applyStr(p.SessionToken, &cur.SessionToken)
	applyStr(p.Country, &cur.Country)
	applyStr(p.Region, &cur.Region)
	applyStr(p.PlayerUUID, &cur.PlayerUUID)
	applyStr(p.Lobby, &cur.Lobby)
	applyStr(p.PlayerHandle, &cur.PlayerHandle)
	applyStr(p.Handle, &cur.Handle)
	if p.QueryPendingMatch.IsSet() {
		if raw, ok := p.QueryPendingMatch.Get(); ok && !model.IsNull(raw) {
			cur.QueryPendingMatch = append(json.RawMessage(nil), raw...)
		} else {
			cur.QueryPendingMatch = nil
		}
	}
}

func strDiffers(f Field[string], cur *string) bool {
	if f.IsNull() {
		return cur != nil
	}
	v, ok := f.Get()
	return ok && (cur == nil || *cur != v)
}

func applyStr(f Field[string], dst **string) {
	if f.IsNull() {
		*dst = nil
		return
	}
	if v, ok := f.Get(); ok {
		*dst = &v
	}
}

// jsonEqual 은 두 raw JSON 값이 같은 구조인지 비교한다.
// 비어 있거나 null 인 값끼리는 같다. 파싱이 안 되면 바이트 비교로 대신한다.
func jsonEqual(a, b json.RawMessage) bool {
	an, bn := model.IsNull(a), model.IsNull(b)
	if an || bn {
		return an == bn
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return reflect.DeepEqual(av, bv)
}
