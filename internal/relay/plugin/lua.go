package plugin

import (
	"fmt"

	"github.com/Shopify/go-lua"
	apperrors "github.com/quorumnet/relaycore/internal/platform/errors"
)

// Lua hosts a room plugin written as a Lua script. The script defines any of
// the global functions before_join, on_joined, on_leave,
// before_set_properties, before_raise_event, and on_close; each receives one
// info table. A before_* function vetoes its operation by returning
// false and an optional message.
//
// Hooks observe operation data but cannot mutate it; games that need to
// rewrite payloads implement Plugin in Go instead.
//
// A Lua state is not safe for concurrent use, which is fine here: one Lua
// plugin instance belongs to one room and runs inside its execution context.
type Lua struct {
	name  string
	state *lua.State
}

// NewLua compiles and runs script, keeping the resulting globals as the
// plugin's hook table.
func NewLua(name, script string) (*Lua, error) {
	state := lua.NewState()
	lua.OpenLibraries(state)
	if err := lua.DoString(state, script); err != nil {
		return nil, fmt.Errorf("load plugin script %q: %w", name, err)
	}
	return &Lua{name: name, state: state}, nil
}

// Name implements Plugin.
func (p *Lua) Name() string { return p.name }

// BeforeJoin implements Plugin.
func (p *Lua) BeforeJoin(info *JoinInfo) error {
	return p.call("before_join", map[string]any{
		"room":     info.RoomName,
		"user_id":  info.UserID,
		"actor_nr": info.ActorNr,
		"create":   info.IsCreate,
		"rejoin":   info.IsRejoin,
		"props":    info.ActorProperties,
	})
}

// OnJoined implements Plugin.
func (p *Lua) OnJoined(info JoinInfo) {
	_ = p.call("on_joined", map[string]any{
		"room":     info.RoomName,
		"user_id":  info.UserID,
		"actor_nr": info.ActorNr,
		"rejoin":   info.IsRejoin,
	})
}

// OnLeave implements Plugin.
func (p *Lua) OnLeave(info LeaveInfo) {
	_ = p.call("on_leave", map[string]any{
		"room":     info.RoomName,
		"user_id":  info.UserID,
		"actor_nr": info.ActorNr,
		"inactive": info.Inactive,
	})
}

// BeforeSetProperties implements Plugin.
func (p *Lua) BeforeSetProperties(info *SetPropertiesInfo) error {
	return p.call("before_set_properties", map[string]any{
		"room":      info.RoomName,
		"sender_nr": info.SenderNr,
		"actor_nr":  info.ActorNr,
		"props":     info.Properties,
	})
}

// BeforeRaiseEvent implements Plugin.
func (p *Lua) BeforeRaiseEvent(info *RaiseEventInfo) error {
	return p.call("before_raise_event", map[string]any{
		"room":       info.RoomName,
		"sender_nr":  info.SenderNr,
		"event_code": int(info.EventCode),
		"data":       info.Data,
	})
}

// OnClose implements Plugin.
func (p *Lua) OnClose(info CloseInfo) {
	_ = p.call("on_close", map[string]any{
		"room":        info.RoomName,
		"actor_count": info.ActorCount,
	})
}

// call invokes the named global hook with one info table. Missing hooks are
// fine; script errors surface as plugin rejections so the engine fails the
// operation instead of crashing the room.
func (p *Lua) call(fn string, info map[string]any) error {
	l := p.state
	l.Global(fn)
	if l.TypeOf(-1) != lua.TypeFunction {
		l.Pop(1)
		return nil
	}
	pushTable(l, info)
	if err := l.ProtectedCall(1, 2, 0); err != nil {
		l.SetTop(0)
		return apperrors.Wrap(apperrors.CodePluginRejected, fmt.Sprintf("plugin hook %s failed", fn), err)
	}
	defer l.SetTop(0)

	// Results are (ok, message); absent results allow the operation.
	if l.TypeOf(-2) == lua.TypeBoolean && !l.ToBoolean(-2) {
		msg, _ := l.ToString(-1)
		if msg == "" {
			msg = fn + " rejected the operation"
		}
		return Rejected(msg)
	}
	return nil
}

func pushTable(l *lua.State, values map[string]any) {
	l.NewTable()
	for key, value := range values {
		pushValue(l, value)
		l.SetField(-2, key)
	}
}

func pushValue(l *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(v)
	case int:
		l.PushInteger(v)
	case int64:
		l.PushInteger(int(v))
	case float64:
		l.PushNumber(v)
	case string:
		l.PushString(v)
	case map[string]any:
		pushTable(l, v)
	case []any:
		l.NewTable()
		for i, item := range v {
			pushValue(l, item)
			l.RawSetInt(-2, i+1)
		}
	case []string:
		l.NewTable()
		for i, item := range v {
			l.PushString(item)
			l.RawSetInt(-2, i+1)
		}
	default:
		l.PushString(fmt.Sprintf("%v", v))
	}
}
