package action

import (
	"errors"
	"fmt"

	"mitm-monitor/internal/model"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Kind 는 RPC 액션 이름을 닫힌 enum 으로 바꾼 값이다.
// 카탈로그에 없는 이름은 모두 Unknown 이 되고, Unknown 은 항상 no-op 이다.
type Kind int

const (
	Unknown Kind = iota
	StartSessionForPlayer
	Update
	JoinLobby
	QueryPendingMatch
	FriendListAll
	RecordMatchExperienceMetrics
	GetPlayerInfo
	ExitLobby
	EndSession
	RenamePlayerHandle
)

var kindNames = [...]string{
	Unknown:                      "unknown",
	StartSessionForPlayer:        "startSessionForPlayer",
	Update:                       "update",
	JoinLobby:                    "joinLobby",
	QueryPendingMatch:            "queryPendingMatch",
	FriendListAll:                "friendListAll",
	RecordMatchExperienceMetrics: "recordMatchExperienceMetrics",
	GetPlayerInfo:                "getPlayerInfo",
	ExitLobby:                    "exitLobby",
	EndSession:                   "endSession",
	RenamePlayerHandle:           "renamePlayerHandle",
}

var kindByName = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, name := range kindNames {
		if Kind(k) != Unknown {
			m[name] = Kind(k)
		}
	}
	return m
}()

// ParseKind maps an RPC path segment to its Kind. Matching is case-sensitive.
func ParseKind(name string) Kind {
	return kindByName[name]
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[Unknown]
	}
	return kindNames[k]
}

// CasualLobby 는 지원하지 않는 로비다. 이 로비로 들어가는 joinLobby 는 무시한다.
const CasualLobby = "5v5_pvp_casual"

// ErrMalformed 는 요청 body 안의 중첩 JSON(params[1]) 을 해석하지 못했을 때 돌려준다.
// 호출자는 로그만 남기고 그 호출을 no-op 으로 처리한다.
var ErrMalformed = errors.New("malformed action payload")

// Input 은 디코더가 보는 한 번의 호출이다.
type Input struct {
	Current  model.State     // 디코딩 시점 snapshot 의 state
	Request  json.RawMessage // req_body
	Response json.RawMessage // res_body (JSON 객체)
}

type decoder func(Input) (Patch, error)

// decoders 는 Kind → 디코더 테이블이다. Unknown 칸은 비워 둔다.
var decoders = [...]decoder{
	StartSessionForPlayer:        decodeStartSession,
	Update:                       decodeUpdate,
	JoinLobby:                    decodeJoinLobby,
	QueryPendingMatch:            decodeQueryPendingMatch,
	FriendListAll:                fixed(Patch{State: Value(model.StateGaming)}),
	RecordMatchExperienceMetrics: fixed(Patch{State: Value(model.StateRecording), Lobby: Null[string]()}),
	GetPlayerInfo:                fixed(Patch{State: Value(model.StateOnline)}),
	ExitLobby:                    fixed(Patch{State: Value(model.StateOnline), Lobby: Null[string](), PlayerHandle: Null[string]()}),
	EndSession:                   fixed(Patch{State: Value(model.StateOffline)}),
	RenamePlayerHandle:           decodeRename,
}

// Decode
// ------------------------------------------------------------
// 한 번의 RPC 호출을 profile patch 로 바꾼다.
// 빈 Patch 는 "할 일 없음" 이다. 에러는 ErrMalformed 로 감싸서 돌려준다.
//
// 디코더는 store 를 모르며 순수 함수다. (snapshot state 는 Input.Current 로만 받는다)
func Decode(k Kind, in Input) (Patch, error) {
	if k <= Unknown || int(k) >= len(decoders) || decoders[k] == nil {
		return Patch{}, nil
	}
	return decoders[k](in)
}

func fixed(p Patch) decoder {
	return func(Input) (Patch, error) { return p, nil }
}

// envelope 는 RPC 응답 body 의 공통 모양이다.
type envelope struct {
	SessionToken json.RawMessage `json:"sessionToken"`
	ReturnValue  json.RawMessage `json:"returnValue"`
}

func parseEnvelope(raw json.RawMessage) (envelope, map[string]json.RawMessage) {
	var env envelope
	if json.Unmarshal(raw, &env) != nil {
		return envelope{}, nil
	}
	return env, object(env.ReturnValue)
}

// object 는 raw 가 JSON 객체일 때만 필드 맵을 돌려준다.
func object(raw json.RawMessage) map[string]json.RawMessage {
	if !model.IsObject(raw) {
		return nil
	}
	var m map[string]json.RawMessage
	if json.Unmarshal(raw, &m) != nil {
		return nil
	}
	return m
}

// stringField 는 응답에 키가 있을 때의 컬럼 값이다.
// 키가 없거나 문자열/null 이 아니면 unset. text 컬럼에 다른 타입은 쓰지 않는다.
func stringField(key string, raw json.RawMessage, present bool) Field[string] {
	if !present {
		return Field[string]{}
	}
	if model.IsNull(raw) {
		return Null[string]()
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		log.Debug().Str("key", key).RawJSON("value", raw).Msg("action: non-string value dropped")
		return Field[string]{}
	}
	return Value(s)
}

func decodeStartSession(in Input) (Patch, error) {
	env, rv := parseEnvelope(in.Response)
	p := Patch{
		State:     Value(model.StateOnline),
		Activated: Value(true),
	}
	p.SessionToken = stringField("sessionToken", env.SessionToken, env.SessionToken != nil)
	if rv != nil {
		v, ok := rv["country"]
		p.Country = stringField("country", v, ok)
		v, ok = rv["region"]
		p.Region = stringField("region", v, ok)
		v, ok = rv["playerUUID"]
		p.PlayerUUID = stringField("playerUUID", v, ok)
	}
	return p, nil
}

func decodeUpdate(in Input) (Patch, error) {
	_, rv := parseEnvelope(in.Response)
	var st string
	if raw, ok := rv["state"]; ok {
		_ = json.Unmarshal(raw, &st)
	}
	switch {
	case st == "menus" && in.Current == model.StateOffline:
		return Patch{State: Value(model.StateOnline), Activated: Value(true)}, nil
	case st == "playing":
		return Patch{State: Value(model.StateGaming)}, nil
	}
	return Patch{}, nil
}

func decodeJoinLobby(in Input) (Patch, error) {
	p := Patch{State: Value(model.StateMatching)}

	var req struct {
		Params []json.RawMessage `json:"params"`
	}
	if !model.IsObject(in.Request) || json.Unmarshal(in.Request, &req) != nil || len(req.Params) < 2 {
		// params 가 없어도 로비 진입 자체는 matching 으로 본다.
		return p, nil
	}

	// params[1] 은 보통 JSON 을 담은 문자열이다. 이미 객체로 온 경우도 받아준다.
	param := req.Params[1]
	var text string
	if json.Unmarshal(param, &text) == nil {
		param = json.RawMessage(text)
		var v any
		if err := json.Unmarshal(param, &v); err != nil {
			return Patch{}, fmt.Errorf("%w: joinLobby params[1]: %v", ErrMalformed, err)
		}
	}
	fields := object(param)
	if fields == nil {
		return p, nil
	}

	if raw, ok := fields["lobby"]; ok {
		var lobby string
		if json.Unmarshal(raw, &lobby) == nil && lobby == CasualLobby {
			return Patch{}, nil
		}
		p.Lobby = stringField("lobby", raw, true)
	}
	if raw, ok := fields["playerHandle"]; ok {
		p.PlayerHandle = stringField("playerHandle", raw, true)
	}
	return p, nil
}

func decodeQueryPendingMatch(in Input) (Patch, error) {
	_, rv := parseEnvelope(in.Response)
	if rv == nil {
		return Patch{}, nil
	}
	var valid bool
	if raw, ok := rv["isValid"]; ok {
		_ = json.Unmarshal(raw, &valid)
	}
	if !valid {
		return Patch{
			QueryPendingMatch: Null[json.RawMessage](),
			State:             Value(model.StateOnline),
		}, nil
	}

	p := Patch{State: Value(model.StateMatching)}
	if raw, ok := rv["responses"]; ok {
		if model.IsNull(raw) {
			p.QueryPendingMatch = Null[json.RawMessage]()
		} else {
			p.QueryPendingMatch = Value(raw)
		}
	}
	return p, nil
}

func decodeRename(in Input) (Patch, error) {
	_, rv := parseEnvelope(in.Response)
	raw, ok := rv["handle"]
	if !ok {
		return Patch{}, nil
	}
	return Patch{Handle: stringField("handle", raw, true)}, nil
}
