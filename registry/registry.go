// Package registry tracks which identities are reachable right now and routes
// chat envelopes to them, falling back to persistence for offline recipients.
package registry

import (
	"context"
	"log"
	"sort"
	"sync"
	"sync/atomic"

	"chatrelay/clock"
	"chatrelay/models"
	"chatrelay/protocol"
)

// Conn is a writable client connection. Send must be safe for concurrent use
// and bounded by a write deadline.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// Fallback persists messages that could not be delivered live.
// *db.DB satisfies it.
type Fallback interface {
	SaveMessage(ctx context.Context, sender, recipient, content string, msgType models.MessageType) (*models.Message, error)
	AdminLogins(ctx context.Context) ([]string, error)
}

type session struct {
	identity string
	conn     Conn
	profile  models.Profile
}

type Registry struct {
	clock    *clock.Clock
	mu       sync.RWMutex
	sessions map[string]*session
	known    map[string]models.Profile
}

func New(clk *clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New(nil)
	}
	return &Registry{
		clock:    clk,
		sessions: make(map[string]*session),
		known:    make(map[string]models.Profile),
	}
}

// Connect registers conn as the live session for identity, replacing any
// previous one. Live admins are told about non-admin arrivals asynchronously.
func (r *Registry) Connect(identity string, conn Conn, profile models.Profile) {
	r.mu.Lock()
	r.sessions[identity] = &session{identity: identity, conn: conn, profile: profile}
	r.known[identity] = profile
	total := len(r.sessions)

	var admins []*session
	if !profile.IsAdmin {
		admins = r.adminsLocked()
	}
	r.mu.Unlock()

	log.Printf("User %s connected. Total connections: %d", identity, total)

	if len(admins) == 0 {
		return
	}

	payload := protocol.Encode(protocol.UserConnected{
		Type:      protocol.TypeUserConnected,
		UserID:    identity,
		UserName:  r.DisplayName(identity),
		Timestamp: r.clock.Now(),
	})
	go r.fanOut(admins, payload)
}

// Disconnect removes the live session for identity. The KnownUser entry stays.
func (r *Registry) Disconnect(identity string) {
	r.mu.Lock()
	_, ok := r.sessions[identity]
	delete(r.sessions, identity)
	total := len(r.sessions)
	r.mu.Unlock()

	if ok {
		log.Printf("User %s disconnected. Total connections: %d", identity, total)
	}
}

// evict drops identity only while conn is still its registered connection,
// so a failed write on a replaced socket does not remove the newer session.
func (r *Registry) evict(identity string, conn Conn) {
	r.mu.Lock()
	s, ok := r.sessions[identity]
	if ok && s.conn == conn {
		delete(r.sessions, identity)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		conn.Close()
		log.Printf("User %s evicted after send failure", identity)
	}
}

func (r *Registry) push(s *session, payload []byte) bool {
	if err := s.conn.Send(payload); err != nil {
		log.Printf("Failed to send message to %s: %v", s.identity, err)
		r.evict(s.identity, s.conn)
		return false
	}
	return true
}

// fanOut sends payload to every target concurrently and returns the number
// of successful sends.
func (r *Registry) fanOut(targets []*session, payload []byte) int {
	var delivered atomic.Int64
	var wg sync.WaitGroup

	for _, s := range targets {
		wg.Add(1)
		go func(s *session) {
			defer wg.Done()
			if r.push(s, payload) {
				delivered.Add(1)
			}
		}(s)
	}

	wg.Wait()
	return int(delivered.Load())
}

func (r *Registry) adminsLocked() []*session {
	var admins []*session
	for _, s := range r.sessions {
		if s.profile.IsAdmin {
			admins = append(admins, s)
		}
	}
	return admins
}

func (r *Registry) snapshot(keep func(*session) bool) []*session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*session
	for _, s := range r.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	return out
}

// SendTo pushes payload to the live session of identity.
func (r *Registry) SendTo(identity string, payload []byte) bool {
	r.mu.RLock()
	s, ok := r.sessions[identity]
	r.mu.RUnlock()

	if !ok {
		return false
	}
	return r.push(s, payload)
}

func (r *Registry) chat(msgType, content, sender string) protocol.Chat {
	return protocol.Chat{
		Type:      msgType,
		From:      sender,
		FromName:  r.DisplayName(sender),
		Message:   content,
		Timestamp: r.clock.Now(),
	}
}

// DeliverToAdmins pushes a user_message envelope to every live admin and
// returns how many received it. It never persists.
func (r *Registry) DeliverToAdmins(content, sender string) int {
	admins := r.snapshot(func(s *session) bool { return s.profile.IsAdmin })
	if len(admins) == 0 {
		return 0
	}
	return r.fanOut(admins, protocol.Encode(r.chat(protocol.TypeUserMessage, content, sender)))
}

// RouteToAdmins delivers live and, only when no admin received the message,
// stores one copy per admin known to fallback. Storage failures are logged
// and do not change the result.
func (r *Registry) RouteToAdmins(ctx context.Context, content, sender string, fallback Fallback) bool {
	delivered := r.DeliverToAdmins(content, sender)
	log.Printf("Message from %s sent to %d online admins", sender, delivered)
	if delivered > 0 {
		return true
	}
	if fallback == nil {
		return false
	}

	admins, err := fallback.AdminLogins(ctx)
	if err != nil {
		log.Printf("Failed to save offline message to admins: %v", err)
		return true
	}
	for _, admin := range admins {
		if _, err := fallback.SaveMessage(ctx, sender, admin, content, models.UserMessage); err != nil {
			log.Printf("Failed to save offline message from %s to admin %s: %v", sender, admin, err)
			continue
		}
		log.Printf("Saved offline message from %s to admin %s", sender, admin)
	}
	return true
}

// DeliverToUser pushes an admin_message envelope to target. When that works
// every live admin gets an admin_sent copy. It never persists.
func (r *Registry) DeliverToUser(content, target, sender string) bool {
	msg := r.chat(protocol.TypeAdminMessage, content, sender)
	if !r.SendTo(target, protocol.Encode(msg)) {
		return false
	}

	if sender != target {
		mirror := msg
		mirror.Type = protocol.TypeAdminSent
		mirror.To = target
		mirror.ToName = r.DisplayName(target)
		admins := r.snapshot(func(s *session) bool { return s.profile.IsAdmin })
		r.fanOut(admins, protocol.Encode(mirror))
	}
	return true
}

// RouteToUser delivers live and stores the message when that fails.
func (r *Registry) RouteToUser(ctx context.Context, content, target, sender string, fallback Fallback) bool {
	if r.DeliverToUser(content, target, sender) {
		return true
	}
	if fallback == nil {
		return false
	}

	if _, err := fallback.SaveMessage(ctx, sender, target, content, models.AdminMessage); err != nil {
		log.Printf("Failed to save offline message: %v", err)
		return false
	}
	log.Printf("Saved offline message from %s to user %s", sender, target)
	return true
}

// Broadcast pushes a broadcast envelope to every live session, skipping
// admins when excludeAdmins is set, and returns the number of deliveries.
func (r *Registry) Broadcast(content, sender string, excludeAdmins bool) int {
	targets := r.snapshot(func(s *session) bool {
		return !(excludeAdmins && s.profile.IsAdmin)
	})
	if len(targets) == 0 {
		return 0
	}

	sent := r.fanOut(targets, protocol.Encode(r.chat(protocol.TypeBroadcast, content, sender)))
	log.Printf("Broadcast message sent to %d users", sent)
	return sent
}

// ListLive returns the live sessions sorted by identity.
func (r *Registry) ListLive(excludeAdmins bool) []models.UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]models.UserInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		if excludeAdmins && s.profile.IsAdmin {
			continue
		}
		users = append(users, r.userInfoLocked(id, s.profile))
	}
	sortUsers(users)
	return users
}

// ListKnown returns every identity that has ever connected, skipping entries
// whose profile lacks a first or last name.
func (r *Registry) ListKnown(excludeAdmins bool) []models.UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]models.UserInfo, 0, len(r.known))
	for id, profile := range r.known {
		if excludeAdmins && profile.IsAdmin {
			continue
		}
		if !profile.Complete() {
			continue
		}
		users = append(users, r.userInfoLocked(id, profile))
	}
	sortUsers(users)
	return users
}

func (r *Registry) userInfoLocked(id string, profile models.Profile) models.UserInfo {
	_, live := r.sessions[id]
	return models.UserInfo{
		UserID:    id,
		Name:      r.displayNameLocked(id),
		IsAdmin:   profile.IsAdmin,
		Connected: live,
	}
}

func sortUsers(users []models.UserInfo) {
	sort.Slice(users, func(i, j int) bool { return users[i].UserID < users[j].UserID })
}

func (r *Registry) IsLive(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[identity]
	return ok
}

// IsAdmin reports the admin flag of the live session; absent means false.
func (r *Registry) IsAdmin(identity string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[identity]
	return ok && s.profile.IsAdmin
}

// DisplayName prefers the cached "first last" name and falls back to the identity.
func (r *Registry) DisplayName(identity string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.displayNameLocked(identity)
}

func (r *Registry) displayNameLocked(identity string) string {
	if s, ok := r.sessions[identity]; ok {
		if name := s.profile.DisplayName(); name != "" {
			return name
		}
	}
	if name := r.known[identity].DisplayName(); name != "" {
		return name
	}
	return identity
}

// PurgeIncomplete forgets every identity whose cached profile is missing a
// first or last name, live sessions included.
func (r *Registry) PurgeIncomplete() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, profile := range r.known {
		if profile.Complete() {
			continue
		}
		delete(r.known, id)
		delete(r.sessions, id)
		removed++
	}

	log.Printf("Cleared %d invalid users from memory", removed)
	return removed
}

// Stats returns the live and known counts and the sorted live identities.
func (r *Registry) Stats() (live, known int, identities []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id := range r.sessions {
		identities = append(identities, id)
	}
	sort.Strings(identities)
	return len(r.sessions), len(r.known), identities
}

// Close closes every live connection and empties the session map.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.conn.Close()
	}
}
