package models

import "time"

// BroadcastRecipient is stored as recipient_id for broadcast messages.
const BroadcastRecipient = "broadcast"

type MessageType string

const (
	UserMessage      MessageType = "user_message"
	AdminMessage     MessageType = "admin_message"
	BroadcastMessage MessageType = "broadcast"
)

type User struct {
	ID         int64     `json:"id"`
	Login      string    `json:"login"`
	Password   string    `json:"-"` // hashed
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Patronymic string    `json:"patronymic"`
	IsAdmin    bool      `json:"is_admin"`
	CreatedAt  time.Time `json:"created_at"`
}

func (u *User) Profile() Profile {
	return Profile{FirstName: u.FirstName, LastName: u.LastName, IsAdmin: u.IsAdmin}
}

// UserUpdate carries the fields an administrator may change; nil means keep.
type UserUpdate struct {
	Password   *string `json:"password,omitempty"`
	FirstName  *string `json:"first_name,omitempty"`
	LastName   *string `json:"last_name,omitempty"`
	Patronymic *string `json:"patronymic,omitempty"`
	IsAdmin    *bool   `json:"is_admin,omitempty"`
}

// Profile is the snapshot the registry caches for a connected identity.
type Profile struct {
	FirstName string
	LastName  string
	IsAdmin   bool
}

// Complete reports whether both name parts are present.
func (p Profile) Complete() bool {
	return p.FirstName != "" && p.LastName != ""
}

// DisplayName returns "first last", or "" when the profile is incomplete.
func (p Profile) DisplayName() string {
	if !p.Complete() {
		return ""
	}
	return p.FirstName + " " + p.LastName
}

type Message struct {
	ID          int64       `json:"id"`
	SenderID    string      `json:"sender_id"`
	RecipientID string      `json:"recipient_id"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
	IsRead      bool        `json:"is_read"`
	MessageType MessageType `json:"message_type"`
	IsArchived  bool        `json:"is_archived"`
}

type Conversation struct {
	ParticipantID   string    `json:"participant_id"`
	ParticipantName string    `json:"participant_name"`
	LastMessage     string    `json:"last_message"`
	LastMessageTime time.Time `json:"last_message_time"`
	UnreadCount     int       `json:"unread_count"`
}

type RecentMessage struct {
	Message
	SenderName string `json:"sender_name"`
}

type ArchivedConversation struct {
	UserID        string `json:"user_id"`
	Name          string `json:"name"`
	ArchivedCount int    `json:"archived_count"`
	UnreadCount   int    `json:"unread_count"`
}

type UserInfo struct {
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
	IsAdmin   bool   `json:"is_admin"`
	Connected bool   `json:"connected"`
}
