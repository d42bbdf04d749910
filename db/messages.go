package db

import (
	"context"
	"database/sql"
	"time"

	"chatrelay/models"
)

const messageColumns = "id, sender_id, recipient_id, content, timestamp, is_read, message_type, is_archived"

type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanMessage(row rowScanner, extra ...any) (models.Message, error) {
	var m models.Message
	var ts int64
	dest := append([]any{&m.ID, &m.SenderID, &m.RecipientID, &m.Content, &ts, &m.IsRead, &m.MessageType, &m.IsArchived}, extra...)
	if err := row.Scan(dest...); err != nil {
		return m, err
	}
	m.Timestamp = db.clock.In(time.UnixMicro(ts))
	return m, nil
}

func (db *DB) scanMessages(rows *sql.Rows) ([]models.Message, error) {
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := db.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// SaveMessage stores a new unread, unarchived message stamped with the current time.
func (db *DB) SaveMessage(ctx context.Context, sender, recipient, content string, msgType models.MessageType) (*models.Message, error) {
	msg := &models.Message{
		SenderID:    sender,
		RecipientID: recipient,
		Content:     content,
		MessageType: msgType,
	}

	err := db.withTx(ctx, "save message", func(tx *sql.Tx) error {
		msg.Timestamp = db.clock.Now()
		result, err := tx.ExecContext(ctx,
			"INSERT INTO messages (sender_id, recipient_id, content, timestamp, is_read, message_type, is_archived) VALUES (?, ?, ?, ?, 0, ?, 0)",
			sender, recipient, content, msg.Timestamp.UnixMicro(), string(msgType),
		)
		if err != nil {
			return err
		}
		msg.ID, err = result.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetConversation pages through the messages exchanged by a and b. Offset counts
// from the most recent message; the returned page is oldest first.
func (db *DB) GetConversation(ctx context.Context, a, b string, limit, offset int, includeArchived bool) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}

	query := "SELECT " + messageColumns + ` FROM messages
		WHERE ((sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?))`
	if !includeArchived {
		query += " AND is_archived = 0"
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?"

	var messages []models.Message
	err := db.withTx(ctx, "get conversation", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, a, b, b, a, limit, offset)
		if err != nil {
			return err
		}
		messages, err = db.scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// GetUserConversations summarises every counterpart of identity. Non-admins
// only see conversations with administrators.
func (db *DB) GetUserConversations(ctx context.Context, identity string, isAdmin bool) ([]models.Conversation, error) {
	query := "SELECT sender_id, recipient_id, content, timestamp FROM messages WHERE sender_id = ? OR recipient_id = ?"
	if !isAdmin {
		query = `SELECT sender_id, recipient_id, content, timestamp FROM messages
			WHERE (sender_id = ? AND recipient_id IN (SELECT login FROM users WHERE is_admin = 1))
			   OR (recipient_id = ? AND sender_id IN (SELECT login FROM users WHERE is_admin = 1))`
	}
	query += " ORDER BY timestamp DESC, id DESC"

	var conversations []models.Conversation
	err := db.withTx(ctx, "get user conversations", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, query, identity, identity)
		if err != nil {
			return err
		}
		defer rows.Close()

		seen := make(map[string]bool)
		for rows.Next() {
			var sender, recipient, content string
			var ts int64
			if err := rows.Scan(&sender, &recipient, &content, &ts); err != nil {
				return err
			}

			other := sender
			if sender == identity {
				other = recipient
			}
			if seen[other] {
				continue
			}
			seen[other] = true
			conversations = append(conversations, models.Conversation{
				ParticipantID:   other,
				LastMessage:     content,
				LastMessageTime: db.clock.In(time.UnixMicro(ts)),
			})
		}
		if err := rows.Err(); err != nil {
			return err
		}
		rows.Close()

		unread, err := unreadBySender(ctx, tx, identity)
		if err != nil {
			return err
		}

		for i := range conversations {
			c := &conversations[i]
			c.UnreadCount = unread[c.ParticipantID]
			c.ParticipantName, err = participantName(ctx, tx, c.ParticipantID)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conversations, nil
}

func unreadBySender(ctx context.Context, tx *sql.Tx, recipient string) (map[string]int, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT sender_id, COUNT(*) FROM messages WHERE recipient_id = ? AND is_read = 0 GROUP BY sender_id",
		recipient,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var sender string
		var count int
		if err := rows.Scan(&sender, &count); err != nil {
			return nil, err
		}
		counts[sender] = count
	}
	return counts, rows.Err()
}

func participantName(ctx context.Context, tx *sql.Tx, login string) (string, error) {
	var p models.Profile
	err := tx.QueryRowContext(ctx, "SELECT first_name, last_name FROM users WHERE login = ?", login).Scan(&p.FirstName, &p.LastName)
	if err == sql.ErrNoRows {
		return login, nil
	}
	if err != nil {
		return "", err
	}
	if name := p.DisplayName(); name != "" {
		return name, nil
	}
	return login, nil
}

// MarkRead flips every unread message from counterpart to identity.
func (db *DB) MarkRead(ctx context.Context, identity, counterpart string) (int64, error) {
	var marked int64
	err := db.withTx(ctx, "mark read", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE messages SET is_read = 1 WHERE sender_id = ? AND recipient_id = ? AND is_read = 0",
			counterpart, identity,
		)
		if err != nil {
			return err
		}
		marked, err = result.RowsAffected()
		return err
	})
	return marked, err
}

// GetUnread returns pending messages for identity, oldest first. Archived
// messages are excluded here but still counted by GetUnreadCount.
func (db *DB) GetUnread(ctx context.Context, identity string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}

	var messages []models.Message
	err := db.withTx(ctx, "get unread", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			"SELECT "+messageColumns+" FROM messages WHERE recipient_id = ? AND is_read = 0 AND is_archived = 0 ORDER BY timestamp ASC, id ASC LIMIT ?",
			identity, limit,
		)
		if err != nil {
			return err
		}
		messages, err = db.scanMessages(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// GetUnreadCount counts unread messages for identity, archived ones included.
func (db *DB) GetUnreadCount(ctx context.Context, identity string) (int, error) {
	var count int
	err := db.withTx(ctx, "get unread count", func(tx *sql.Tx) error {
		return tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM messages WHERE recipient_id = ? AND is_read = 0",
			identity,
		).Scan(&count)
	})
	return count, err
}

func (db *DB) DeleteConversation(ctx context.Context, a, b string) (int64, error) {
	var deleted int64
	err := db.withTx(ctx, "delete conversation", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE (sender_id = ? AND recipient_id = ?) OR (sender_id = ? AND recipient_id = ?)",
			a, b, b, a,
		)
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// SetArchived updates every message where identity is sender or recipient.
func (db *DB) SetArchived(ctx context.Context, identity string, archived bool) (int64, error) {
	var updated int64
	err := db.withTx(ctx, "set archived", func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			"UPDATE messages SET is_archived = ? WHERE sender_id = ? OR recipient_id = ?",
			archived, identity, identity,
		)
		if err != nil {
			return err
		}
		updated, err = result.RowsAffected()
		return err
	})
	return updated, err
}

// ListRecentAcrossAll returns the newest messages of every conversation with
// the sender's display name. Messages from senders missing in users are skipped.
func (db *DB) ListRecentAcrossAll(ctx context.Context, limit int) ([]models.RecentMessage, error) {
	if limit <= 0 {
		limit = 20
	}

	var recent []models.RecentMessage
	err := db.withTx(ctx, "list recent", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT m.id, m.sender_id, m.recipient_id, m.content, m.timestamp, m.is_read, m.message_type, m.is_archived,
			       u.first_name, u.last_name
			FROM messages m
			JOIN users u ON u.login = m.sender_id
			ORDER BY m.timestamp DESC, m.id DESC
			LIMIT ?`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var first, last string
			m, err := db.scanMessage(rows, &first, &last)
			if err != nil {
				return err
			}
			recent = append(recent, models.RecentMessage{Message: m, SenderName: first + " " + last})
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return recent, nil
}

// ArchivedConversations lists non-admin users that have archived messages.
func (db *DB) ArchivedConversations(ctx context.Context) ([]models.ArchivedConversation, error) {
	var archived []models.ArchivedConversation
	err := db.withTx(ctx, "archived conversations", func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT login, first_name, last_name, archived, unread FROM (
				SELECT u.login, u.first_name, u.last_name,
				       (SELECT COUNT(*) FROM messages m WHERE m.is_archived = 1 AND (m.sender_id = u.login OR m.recipient_id = u.login)) AS archived,
				       (SELECT COUNT(*) FROM messages m WHERE m.is_read = 0 AND m.sender_id = u.login) AS unread
				FROM users u
				WHERE u.is_admin = 0
			)
			WHERE archived > 0
			ORDER BY login`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var a models.ArchivedConversation
			var p models.Profile
			if err := rows.Scan(&a.UserID, &p.FirstName, &p.LastName, &a.ArchivedCount, &a.UnreadCount); err != nil {
				return err
			}
			a.Name = p.DisplayName()
			if a.Name == "" {
				a.Name = a.UserID
			}
			archived = append(archived, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return archived, nil
}
