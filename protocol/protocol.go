package protocol

import (
	"encoding/json"
	"strings"
)

// Inbound envelope types.
const (
	TypeUserToAdmin            = "user_to_admin"
	TypeAdminToUser            = "admin_to_user"
	TypeGetConversationHistory = "get_conversation_history"
	TypeGetConversations       = "get_conversations"
	TypeMarkAsRead             = "mark_as_read"
	TypeGetConnectedUsers      = "get_connected_users"
	TypeBroadcast              = "broadcast"
	TypePing                   = "ping"
)

const (
	DefaultHistoryLimit = 50
)

// Inbound is one decoded client envelope. The set of implementations is closed.
type Inbound interface {
	inbound()
}

type UserToAdmin struct {
	Message string
}

type AdminToUser struct {
	ToUser  string
	Message string
}

type GetConversationHistory struct {
	WithUser string
	Limit    int
	Offset   int
}

type GetConversations struct{}

type MarkAsRead struct {
	SenderID string
}

type GetConnectedUsers struct{}

type Broadcast struct {
	Message string
}

type Ping struct{}

// PlainText carries a payload that is not a recognised envelope. It is routed
// as a chat message for older clients that send raw text.
type PlainText struct {
	Raw string
}

func (UserToAdmin) inbound()            {}
func (AdminToUser) inbound()            {}
func (GetConversationHistory) inbound() {}
func (GetConversations) inbound()       {}
func (MarkAsRead) inbound()             {}
func (GetConnectedUsers) inbound()      {}
func (Broadcast) inbound()              {}
func (Ping) inbound()                   {}
func (PlainText) inbound()              {}

// envelope holds the raw fields of an inbound object. Fields are read one at
// a time so a badly typed field is ignored instead of discarding the frame.
type envelope map[string]json.RawMessage

func (e envelope) str(key string) string {
	var v string
	json.Unmarshal(e[key], &v)
	return v
}

func (e envelope) num(key string, def int) int {
	raw, ok := e[key]
	if !ok || string(raw) == "null" {
		return def
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return def
	}
	return v
}

// Decode classifies a raw frame. It never fails: anything that is not a JSON
// object with a known type becomes PlainText. Known types with badly typed
// fields keep their variant and fall back to the field defaults.
func Decode(raw []byte) Inbound {
	plain := PlainText{Raw: string(raw)}

	if !strings.HasPrefix(strings.TrimSpace(string(raw)), "{") {
		return plain
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return plain
	}

	switch env.str("type") {
	case TypeUserToAdmin:
		return UserToAdmin{Message: env.str("message")}
	case TypeAdminToUser:
		return AdminToUser{ToUser: env.str("to_user"), Message: env.str("message")}
	case TypeGetConversationHistory:
		return GetConversationHistory{
			WithUser: env.str("with_user"),
			Limit:    env.num("limit", DefaultHistoryLimit),
			Offset:   env.num("offset", 0),
		}
	case TypeGetConversations:
		return GetConversations{}
	case TypeMarkAsRead:
		return MarkAsRead{SenderID: env.str("sender_id")}
	case TypeGetConnectedUsers:
		return GetConnectedUsers{}
	case TypeBroadcast:
		return Broadcast{Message: env.str("message")}
	case TypePing:
		return Ping{}
	default:
		return plain
	}
}
