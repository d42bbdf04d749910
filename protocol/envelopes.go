package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/models"
)

// Outbound envelope types.
const (
	TypeWelcome                = "welcome"
	TypeOfflineMessage         = "offline_message"
	TypeOfflineMessagesSummary = "offline_messages_summary"
	TypeConnectedUsers         = "connected_users"
	TypeUserConnected          = "user_connected"
	TypeUserMessage            = "user_message"
	TypeAdminMessage           = "admin_message"
	TypeAdminSent              = "admin_sent"
	TypeConversationHistory    = "conversation_history"
	TypeConversationsList      = "conversations_list"
	TypePong                   = "pong"
	TypeError                  = "error"
)

type UserData struct {
	Login   string `json:"login"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
}

type Welcome struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	UserData  UserData  `json:"user_data"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is used for user_message, admin_message, admin_sent and broadcast.
type Chat struct {
	Type      string    `json:"type"`
	From      string    `json:"from"`
	FromName  string    `json:"from_name"`
	To        string    `json:"to,omitempty"`
	ToName    string    `json:"to_name,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type UserConnected struct {
	Type      string    `json:"type"`
	UserID    string    `json:"user_id"`
	UserName  string    `json:"user_name"`
	Timestamp time.Time `json:"timestamp"`
}

type OfflineMessage struct {
	Type        string             `json:"type"`
	From        string             `json:"from"`
	FromName    string             `json:"from_name"`
	Message     string             `json:"message"`
	Timestamp   time.Time          `json:"timestamp"`
	MessageType models.MessageType `json:"message_type"`
	MessageID   int64              `json:"message_id"`
}

type OfflineSummary struct {
	Type      string    `json:"type"`
	Count     int       `json:"count"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type ConnectedUsers struct {
	Type      string            `json:"type"`
	Users     []models.UserInfo `json:"users"`
	Timestamp time.Time         `json:"timestamp"`
}

type ConversationHistory struct {
	Type      string           `json:"type"`
	WithUser  string           `json:"with_user"`
	Messages  []models.Message `json:"messages"`
	Timestamp time.Time        `json:"timestamp"`
}

type ConversationsList struct {
	Type          string                `json:"type"`
	Conversations []models.Conversation `json:"conversations"`
	Timestamp     time.Time             `json:"timestamp"`
}

// Notice is used for pong and error replies.
type Notice struct {
	Type      string    `json:"type"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewWelcome(user *models.User, now time.Time) Welcome {
	return Welcome{
		Type:    TypeWelcome,
		Message: fmt.Sprintf("Welcome, %s!", user.FirstName),
		UserData: UserData{
			Login:   user.Login,
			Name:    user.FirstName + " " + user.LastName,
			IsAdmin: user.IsAdmin,
		},
		Timestamp: now,
	}
}

func NewOfflineMessage(msg models.Message, fromName string) OfflineMessage {
	return OfflineMessage{
		Type:        TypeOfflineMessage,
		From:        msg.SenderID,
		FromName:    fromName,
		Message:     msg.Content,
		Timestamp:   msg.Timestamp,
		MessageType: msg.MessageType,
		MessageID:   msg.ID,
	}
}

func NewOfflineSummary(count int, now time.Time) OfflineSummary {
	return OfflineSummary{
		Type:      TypeOfflineMessagesSummary,
		Count:     count,
		Message:   fmt.Sprintf("You received %d messages while offline", count),
		Timestamp: now,
	}
}

func NewConnectedUsers(users []models.UserInfo, now time.Time) ConnectedUsers {
	if users == nil {
		users = []models.UserInfo{}
	}
	return ConnectedUsers{Type: TypeConnectedUsers, Users: users, Timestamp: now}
}

func NewConversationHistory(withUser string, msgs []models.Message, now time.Time) ConversationHistory {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return ConversationHistory{Type: TypeConversationHistory, WithUser: withUser, Messages: msgs, Timestamp: now}
}

func NewConversationsList(convs []models.Conversation, now time.Time) ConversationsList {
	if convs == nil {
		convs = []models.Conversation{}
	}
	return ConversationsList{Type: TypeConversationsList, Conversations: convs, Timestamp: now}
}

func NewPong(now time.Time) Notice {
	return Notice{Type: TypePong, Timestamp: now}
}

func NewError(message string, now time.Time) Notice {
	return Notice{Type: TypeError, Message: message, Timestamp: now}
}

// Encode marshals an outbound envelope.
func Encode(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// only plain structs are encoded here
		panic(fmt.Sprintf("protocol: encode %T: %v", v, err))
	}
	return data
}
