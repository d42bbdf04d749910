package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"chatrelay/models"
	"chatrelay/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Session is the per-connection state of the protocol loop.
type Session struct {
	ID      string
	Login   string
	IsAdmin bool
	Conn    *wsConn
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "userID")
	token := r.URL.Query().Get("token")

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Upgrade error for %s: %v", identity, err)
		return
	}

	user, err := s.authenticate(r.Context(), identity, token)
	if err != nil {
		log.Printf("Auth error for %s: %v", identity, err)
		rejectHandshake(ws)
		return
	}

	ws.SetReadLimit(s.config.MaxMessageSize)
	session := &Session{
		ID:      uuid.NewString(),
		Login:   user.Login,
		IsAdmin: user.IsAdmin,
		Conn:    newWSConn(ws, s.config.WriteTimeout),
	}
	s.handleConnection(r.Context(), session, user)
}

func (s *Server) handleConnection(ctx context.Context, session *Session, user *models.User) {
	s.registry.Connect(session.Login, session.Conn, user.Profile())
	log.Printf("Client %s connected (session %s)", session.Login, session.ID)

	defer func() {
		s.registry.Disconnect(session.Login)
		session.Conn.Close()
		log.Printf("Client %s disconnected (session %s)", session.Login, session.ID)
	}()

	if err := s.reply(session, protocol.NewWelcome(user, s.clock.Now())); err != nil {
		return
	}

	s.deliverPending(ctx, session)

	if session.IsAdmin {
		if err := s.reply(session, protocol.NewConnectedUsers(s.registry.ListKnown(true), s.clock.Now())); err != nil {
			return
		}
	}

	for {
		_, raw, err := session.Conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("Error reading from %s: %v", session.Login, err)
			}
			return
		}

		if err := s.handleMessage(ctx, session, protocol.Decode(raw)); err != nil {
			log.Printf("Error handling message from %s: %v", session.Login, err)
			if err := s.reply(session, protocol.NewError("Failed to process message", s.clock.Now())); err != nil {
				return
			}
		}
	}
}

func (s *Server) reply(session *Session, envelope any) error {
	if err := session.Conn.Send(protocol.Encode(envelope)); err != nil {
		log.Printf("Error writing to %s: %v", session.Login, err)
		return err
	}
	return nil
}

// deliverPending pushes stored unread messages, marks them read per sender
// and sends a summary. Store failures are logged and the session continues.
func (s *Server) deliverPending(ctx context.Context, session *Session) {
	pending, err := s.db.GetUnread(ctx, session.Login, s.config.UnreadLimit)
	if err != nil {
		log.Printf("Failed to load unread messages for %s: %v", session.Login, err)
		return
	}
	if len(pending) == 0 {
		return
	}

	log.Printf("Sending %d unread messages to %s", len(pending), session.Login)

	var senders []string
	seen := make(map[string]bool)
	for _, msg := range pending {
		if err := s.reply(session, protocol.NewOfflineMessage(msg, s.senderName(ctx, msg.SenderID))); err != nil {
			return
		}
		if !seen[msg.SenderID] {
			seen[msg.SenderID] = true
			senders = append(senders, msg.SenderID)
		}
	}

	for _, sender := range senders {
		if _, err := s.db.MarkRead(ctx, session.Login, sender); err != nil {
			log.Printf("Failed to mark messages from %s as read for %s: %v", sender, session.Login, err)
		}
	}

	s.reply(session, protocol.NewOfflineSummary(len(pending), s.clock.Now()))
}

func (s *Server) senderName(ctx context.Context, login string) string {
	if name := s.registry.DisplayName(login); name != login {
		return name
	}
	user, err := s.db.GetUser(ctx, login)
	if err != nil {
		return login
	}
	return user.FirstName + " " + user.LastName
}

// handleMessage runs one decoded envelope. Permission failures are ignored.
func (s *Server) handleMessage(ctx context.Context, session *Session, msg protocol.Inbound) error {
	switch m := msg.(type) {
	case protocol.UserToAdmin:
		return s.handleUserToAdmin(ctx, session, m.Message)
	case protocol.AdminToUser:
		return s.handleAdminToUser(ctx, session, m)
	case protocol.GetConversationHistory:
		return s.handleHistory(ctx, session, m)
	case protocol.GetConversations:
		return s.handleConversations(ctx, session)
	case protocol.MarkAsRead:
		return s.handleMarkAsRead(ctx, session, m)
	case protocol.GetConnectedUsers:
		return s.handleConnectedUsers(session)
	case protocol.Broadcast:
		return s.handleBroadcast(ctx, session, m)
	case protocol.Ping:
		return s.reply(session, protocol.NewPong(s.clock.Now()))
	case protocol.PlainText:
		return s.handlePlainText(ctx, session, m)
	default:
		return fmt.Errorf("unhandled envelope %T", msg)
	}
}

func (s *Server) handleUserToAdmin(ctx context.Context, session *Session, text string) error {
	if text == "" {
		return nil
	}
	s.registry.RouteToAdmins(ctx, text, session.Login, s.db)
	return nil
}

func (s *Server) handleAdminToUser(ctx context.Context, session *Session, m protocol.AdminToUser) error {
	if !session.IsAdmin || m.ToUser == "" || m.Message == "" {
		return nil
	}
	if !s.registry.RouteToUser(ctx, m.Message, m.ToUser, session.Login, s.db) {
		log.Printf("Message from %s to %s was not delivered", session.Login, m.ToUser)
	}
	return nil
}

func (s *Server) handleHistory(ctx context.Context, session *Session, m protocol.GetConversationHistory) error {
	if m.WithUser == "" {
		return nil
	}
	// users may only read their thread with the support account
	if !session.IsAdmin && m.WithUser != "admin" {
		return nil
	}

	// a non-positive limit would mean unbounded to the store
	if m.Limit <= 0 {
		m.Limit = protocol.DefaultHistoryLimit
	}
	if m.Offset < 0 {
		m.Offset = 0
	}

	msgs, err := s.db.GetConversation(ctx, session.Login, m.WithUser, m.Limit, m.Offset, session.IsAdmin)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return s.reply(session, protocol.NewConversationHistory(m.WithUser, msgs, s.clock.Now()))
}

func (s *Server) handleConversations(ctx context.Context, session *Session) error {
	convs, err := s.db.GetUserConversations(ctx, session.Login, session.IsAdmin)
	if err != nil {
		return fmt.Errorf("conversations: %w", err)
	}
	return s.reply(session, protocol.NewConversationsList(convs, s.clock.Now()))
}

func (s *Server) handleMarkAsRead(ctx context.Context, session *Session, m protocol.MarkAsRead) error {
	if m.SenderID == "" {
		return nil
	}
	if _, err := s.db.MarkRead(ctx, session.Login, m.SenderID); err != nil {
		return fmt.Errorf("mark as read: %w", err)
	}
	return nil
}

func (s *Server) handleConnectedUsers(session *Session) error {
	if !session.IsAdmin {
		return nil
	}
	return s.reply(session, protocol.NewConnectedUsers(s.registry.ListKnown(true), s.clock.Now()))
}

func (s *Server) handleBroadcast(ctx context.Context, session *Session, m protocol.Broadcast) error {
	if !session.IsAdmin || m.Message == "" {
		return nil
	}
	if s.registry.Broadcast(m.Message, session.Login, true) == 0 {
		return nil
	}
	if _, err := s.db.SaveMessage(ctx, session.Login, models.BroadcastRecipient, m.Message, models.BroadcastMessage); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// handlePlainText routes raw text from older clients: admins broadcast it,
// everyone else sends it to the admins.
func (s *Server) handlePlainText(ctx context.Context, session *Session, m protocol.PlainText) error {
	if session.IsAdmin {
		s.registry.Broadcast(m.Raw, session.Login, true)
		return nil
	}
	s.registry.RouteToAdmins(ctx, m.Raw, session.Login, s.db)
	return nil
}
