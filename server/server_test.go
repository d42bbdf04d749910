package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chatrelay/auth"
	"chatrelay/clock"
	"chatrelay/db"
	"chatrelay/models"
	"chatrelay/registry"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	srv      *Server
	db       *db.DB
	registry *registry.Registry
	tokens   *auth.Tokens
	http     *httptest.Server
}

// setupTestServer starts a server on a temporary database with two admins
// (root, admin) and two users (alice, bob).
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()

	clk := clock.New(clock.Zone(clock.DefaultOffsetHours))
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), clk)
	require.NoError(t, err)

	tokens, err := auth.NewTokens("test-secret", time.Hour)
	require.NoError(t, err)

	reg := registry.New(clk)
	srv := New(database, reg, tokens, clk, &ServerConfig{WriteTimeout: 5 * time.Second})
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		reg.Close()
		ts.Close()
		database.Close()
	})

	for _, u := range []models.User{
		{Login: "root", FirstName: "Root", LastName: "Admin", IsAdmin: true},
		{Login: "admin", FirstName: "Support", LastName: "Desk", IsAdmin: true},
		{Login: "alice", FirstName: "Alice", LastName: "Smith"},
		{Login: "bob", FirstName: "Bob", LastName: "Jones"},
	} {
		_, err := database.CreateUser(context.Background(), u, "password123")
		require.NoError(t, err)
	}

	return &testEnv{srv: srv, db: database, registry: reg, tokens: tokens, http: ts}
}

func (e *testEnv) wsURL(login, token string) string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/ws/" + login + "?token=" + url.QueryEscape(token)
}

func (e *testEnv) token(t *testing.T, login string, admin bool) string {
	t.Helper()
	token, err := e.tokens.Issue(login, admin)
	require.NoError(t, err)
	return token
}

// connect dials as login and consumes the welcome envelope.
func (e *testEnv) connect(t *testing.T, login string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(e.wsURL(login, e.token(t, login, false)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	welcome := readEnvelope(t, c)
	require.Equal(t, "welcome", welcome["type"])
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := c.ReadMessage()
	require.NoError(t, err)

	var env map[string]any
	require.NoError(t, json.Unmarshal(raw, &env))
	return env
}

// readUntil skips envelopes until one of type typ arrives.
func readUntil(t *testing.T, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		env := readEnvelope(t, c)
		if env["type"] == typ {
			return env
		}
	}
	t.Fatalf("no %s envelope received", typ)
	return nil
}

func send(t *testing.T, c *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(v))
}

// roundTrip sends a ping and waits for the pong, so every earlier frame from c
// has been handled.
func roundTrip(t *testing.T, c *websocket.Conn) {
	t.Helper()
	send(t, c, map[string]string{"type": "ping"})
	require.Equal(t, "pong", readEnvelope(t, c)["type"])
}

func TestAuthFailureCloses4001(t *testing.T) {
	env := setupTestServer(t)

	for name, target := range map[string]string{
		"bad token":        env.wsURL("alice", "garbage"),
		"subject mismatch": env.wsURL("bob", env.token(t, "alice", false)),
		"unknown user":     env.wsURL("ghost", env.token(t, "ghost", false)),
	} {
		t.Run(name, func(t *testing.T) {
			c, _, err := websocket.DefaultDialer.Dial(target, nil)
			require.NoError(t, err)
			defer c.Close()

			c.SetReadDeadline(time.Now().Add(3 * time.Second))
			_, _, err = c.ReadMessage()
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "got %v", err)
			require.Equal(t, CloseAuthFailed, closeErr.Code)
			require.Equal(t, "Authentication failed", closeErr.Text)
		})
	}

	live, _, _ := env.registry.Stats()
	require.Zero(t, live)
}

func TestWelcomeAndAdminRoster(t *testing.T) {
	env := setupTestServer(t)
	env.connect(t, "alice")

	c, _, err := websocket.DefaultDialer.Dial(env.wsURL("root", env.token(t, "root", true)), nil)
	require.NoError(t, err)
	defer c.Close()

	welcome := readEnvelope(t, c)
	require.Equal(t, "welcome", welcome["type"])
	require.Equal(t, "Welcome, Root!", welcome["message"])
	userData := welcome["user_data"].(map[string]any)
	require.Equal(t, "Root Admin", userData["name"])
	require.Equal(t, true, userData["is_admin"])

	roster := readEnvelope(t, c)
	require.Equal(t, "connected_users", roster["type"])
	users := roster["users"].([]any)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].(map[string]any)["user_id"])
	require.Equal(t, true, users[0].(map[string]any)["connected"])
}

func TestOfflineMessagesDeliveredOnConnect(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	alice := env.connect(t, "alice")
	send(t, alice, map[string]string{"type": "user_to_admin", "message": "help"})
	roundTrip(t, alice)

	count, err := env.db.GetUnreadCount(ctx, "root")
	require.NoError(t, err)
	require.Equal(t, 1, count)

	root := env.connect(t, "root")
	offline := readEnvelope(t, root)
	require.Equal(t, "offline_message", offline["type"])
	require.Equal(t, "alice", offline["from"])
	require.Equal(t, "Alice Smith", offline["from_name"])
	require.Equal(t, "help", offline["message"])
	require.Equal(t, "user_message", offline["message_type"])

	summary := readEnvelope(t, root)
	require.Equal(t, "offline_messages_summary", summary["type"])
	require.Equal(t, float64(1), summary["count"])
	require.Equal(t, "connected_users", readEnvelope(t, root)["type"])

	count, err = env.db.GetUnreadCount(ctx, "root")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestLiveRoutingBetweenUserAndAdmin(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	root := env.connect(t, "root")
	readUntil(t, root, "connected_users")
	alice := env.connect(t, "alice")

	joined := readUntil(t, root, "user_connected")
	require.Equal(t, "alice", joined["user_id"])
	require.Equal(t, "Alice Smith", joined["user_name"])

	send(t, alice, map[string]string{"type": "user_to_admin", "message": "hi"})
	msg := readUntil(t, root, "user_message")
	require.Equal(t, "alice", msg["from"])
	require.Equal(t, "hi", msg["message"])

	send(t, root, map[string]string{"type": "admin_to_user", "to_user": "alice", "message": "hello"})
	reply := readEnvelope(t, alice)
	require.Equal(t, "admin_message", reply["type"])
	require.Equal(t, "root", reply["from"])
	require.Equal(t, "Root Admin", reply["from_name"])
	require.Equal(t, "hello", reply["message"])

	mirror := readUntil(t, root, "admin_sent")
	require.Equal(t, "alice", mirror["to"])
	require.Equal(t, "Alice Smith", mirror["to_name"])

	msgs, err := env.db.GetConversation(ctx, "root", "alice", 0, 0, true)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestAdminToOfflineUserIsStored(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	root := env.connect(t, "root")
	readUntil(t, root, "connected_users")
	send(t, root, map[string]string{"type": "admin_to_user", "to_user": "bob", "message": "call me"})
	roundTrip(t, root)

	pending, err := env.db.GetUnread(ctx, "bob", 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, models.AdminMessage, pending[0].MessageType)
	require.Equal(t, "root", pending[0].SenderID)
}

func TestBroadcastReachesUsersAndIsStoredOnce(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	root := env.connect(t, "root")
	require.Equal(t, "connected_users", readEnvelope(t, root)["type"])

	send(t, root, map[string]string{"type": "broadcast", "message": "maintenance at 10"})
	for _, c := range []*websocket.Conn{alice, bob} {
		got := readEnvelope(t, c)
		require.Equal(t, "broadcast", got["type"])
		require.Equal(t, "maintenance at 10", got["message"])
	}
	// the sender gets nothing but the pong
	roundTrip(t, root)

	msgs, err := env.db.GetConversation(ctx, "root", models.BroadcastRecipient, 0, 0, true)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, models.BroadcastMessage, msgs[0].MessageType)
}

func TestBroadcastWithNobodyOnlineIsNotStored(t *testing.T) {
	env := setupTestServer(t)

	root := env.connect(t, "root")
	readUntil(t, root, "connected_users")
	send(t, root, map[string]string{"type": "broadcast", "message": "anyone?"})
	roundTrip(t, root)

	msgs, err := env.db.GetConversation(context.Background(), "root", models.BroadcastRecipient, 0, 0, true)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestPermissionFailuresAreSilent(t *testing.T) {
	env := setupTestServer(t)

	alice := env.connect(t, "alice")
	send(t, alice, map[string]string{"type": "admin_to_user", "to_user": "bob", "message": "x"})
	send(t, alice, map[string]string{"type": "broadcast", "message": "x"})
	send(t, alice, map[string]string{"type": "get_connected_users"})
	send(t, alice, map[string]string{"type": "get_conversation_history", "with_user": "bob"})
	send(t, alice, map[string]string{"type": "user_to_admin", "message": ""})
	roundTrip(t, alice)

	pending, err := env.db.GetUnread(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestPlainTextFallback(t *testing.T) {
	env := setupTestServer(t)

	root := env.connect(t, "root")
	readUntil(t, root, "connected_users")
	alice := env.connect(t, "alice")
	readUntil(t, root, "user_connected")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte("hello there")))
	msg := readUntil(t, root, "user_message")
	require.Equal(t, "hello there", msg["message"])

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"dance"}`)))
	msg = readUntil(t, root, "user_message")
	require.Equal(t, `{"type":"dance"}`, msg["message"])

	for _, raw := range []string{"", "   "} {
		require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(raw)))
		msg = readUntil(t, root, "user_message")
		require.Equal(t, raw, msg["message"])
	}

	// a known type with a badly typed field still runs as that type
	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"get_conversation_history","with_user":"admin","limit":"10"}`)))
	require.Equal(t, "conversation_history", readEnvelope(t, alice)["type"])

	require.NoError(t, root.WriteMessage(websocket.TextMessage, []byte("attention all")))
	msg = readEnvelope(t, alice)
	require.Equal(t, "broadcast", msg["type"])
	require.Equal(t, "attention all", msg["message"])
}

func TestConversationHistoryAndList(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := env.db.SaveMessage(ctx, "alice", "admin", text, models.UserMessage)
		require.NoError(t, err)
	}
	_, err := env.db.MarkRead(ctx, "admin", "alice")
	require.NoError(t, err)

	alice := env.connect(t, "alice")
	send(t, alice, map[string]any{"type": "get_conversation_history", "with_user": "admin", "limit": 2})
	history := readEnvelope(t, alice)
	require.Equal(t, "conversation_history", history["type"])
	require.Equal(t, "admin", history["with_user"])
	msgs := history["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "two", msgs[0].(map[string]any)["content"])
	require.Equal(t, "three", msgs[1].(map[string]any)["content"])

	send(t, alice, map[string]string{"type": "get_conversations"})
	list := readEnvelope(t, alice)
	require.Equal(t, "conversations_list", list["type"])
	convs := list["conversations"].([]any)
	require.Len(t, convs, 1)
}

func historyContents(t *testing.T, c *websocket.Conn, withUser string, extra map[string]any) []string {
	t.Helper()
	req := map[string]any{"type": "get_conversation_history", "with_user": withUser}
	for k, v := range extra {
		req[k] = v
	}
	send(t, c, req)

	history := readUntil(t, c, "conversation_history")
	require.Equal(t, withUser, history["with_user"])
	var contents []string
	for _, m := range history["messages"].([]any) {
		contents = append(contents, m.(map[string]any)["content"].(string))
	}
	return contents
}

func TestHistoryArchivedVisibleToAdminsOnly(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	for _, m := range []struct{ sender, recipient, text string }{
		{"alice", "root", "to root"},
		{"root", "alice", "from root"},
		{"alice", "admin", "old question"},
	} {
		_, err := env.db.SaveMessage(ctx, m.sender, m.recipient, m.text, models.UserMessage)
		require.NoError(t, err)
	}
	_, err := env.db.SetArchived(ctx, "alice", true)
	require.NoError(t, err)
	_, err = env.db.SaveMessage(ctx, "alice", "admin", "new question", models.UserMessage)
	require.NoError(t, err)

	root := env.connect(t, "root")
	require.Equal(t, []string{"to root", "from root"}, historyContents(t, root, "alice", nil))

	alice := env.connect(t, "alice")
	require.Equal(t, []string{"new question"}, historyContents(t, alice, "admin", nil))
}

func TestHistoryNonPositiveLimitIsClamped(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	for i := 0; i < 55; i++ {
		_, err := env.db.SaveMessage(ctx, "alice", "admin", "msg", models.UserMessage)
		require.NoError(t, err)
	}

	alice := env.connect(t, "alice")
	require.Len(t, historyContents(t, alice, "admin", map[string]any{"limit": 0}), 50)
	require.Len(t, historyContents(t, alice, "admin", map[string]any{"limit": -3, "offset": -10}), 50)
	require.Len(t, historyContents(t, alice, "admin", map[string]any{"limit": 10, "offset": 50}), 5)
}

func TestMarkAsRead(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()

	alice := env.connect(t, "alice")
	_, err := env.db.SaveMessage(ctx, "root", "alice", "ping me", models.AdminMessage)
	require.NoError(t, err)

	send(t, alice, map[string]string{"type": "mark_as_read", "sender_id": "root"})
	roundTrip(t, alice)

	count, err := env.db.GetUnreadCount(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestStoreFailureRepliesWithError(t *testing.T) {
	env := setupTestServer(t)

	alice := env.connect(t, "alice")
	require.NoError(t, env.db.Close())

	send(t, alice, map[string]string{"type": "get_conversations"})
	reply := readEnvelope(t, alice)
	require.Equal(t, "error", reply["type"])
	require.Equal(t, "Failed to process message", reply["message"])

	// the loop keeps running
	roundTrip(t, alice)
}

func TestDisconnectRemovesSession(t *testing.T) {
	env := setupTestServer(t)

	alice := env.connect(t, "alice")
	require.True(t, env.registry.IsLive("alice"))

	alice.Close()
	require.Eventually(t, func() bool { return !env.registry.IsLive("alice") }, 3*time.Second, 10*time.Millisecond)
}

func doJSON(t *testing.T, method, target, token string, body any) *http.Response {
	t.Helper()
	var payload io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, target, payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func TestLogin(t *testing.T) {
	env := setupTestServer(t)

	resp, err := http.PostForm(env.http.URL+"/auth/login", url.Values{"login": {"alice"}, "password": {"password123"}})
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, true, body["success"])

	claims, err := env.tokens.Verify(body["access_token"].(string))
	require.NoError(t, err)
	require.Equal(t, "alice", claims.Subject)
	require.NotContains(t, body["user"], "password")

	resp = doJSON(t, http.MethodPost, env.http.URL+"/auth/login", "", map[string]string{"login": "root", "password": "password123"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, env.http.URL+"/auth/login", "", map[string]string{"login": "root", "password": "nope"})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOpsRequiresAdmin(t *testing.T) {
	env := setupTestServer(t)
	target := env.http.URL + "/ops/all_users"

	resp := doJSON(t, http.MethodGet, target, "", nil)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, target, env.token(t, "alice", false), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	// the directory flag decides, not the token claim
	resp = doJSON(t, http.MethodGet, target, env.token(t, "alice", true), nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, target, env.token(t, "root", true), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, decodeBody(t, resp)["users"], 4)
}

func TestOpsEndpoints(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	token := env.token(t, "root", true)
	base := env.http.URL + "/ops"

	for _, text := range []string{"a", "b"} {
		_, err := env.db.SaveMessage(ctx, "alice", "root", text, models.UserMessage)
		require.NoError(t, err)
	}

	resp := doJSON(t, http.MethodGet, base+"/user_info_by_login/alice", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	info := decodeBody(t, resp)
	require.Equal(t, "Alice", info["first_name"])
	require.Equal(t, false, info["connected"])

	resp = doJSON(t, http.MethodGet, base+"/user_info_by_login/ghost", token, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodPatch, base+"/edit_user/alice", token, map[string]string{"patronymic": "Ivanovna"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	user, err := env.db.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, "Ivanovna", user.Patronymic)

	resp = doJSON(t, http.MethodPatch, base+"/edit_user/ghost", token, map[string]string{"first_name": "X"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, base+"/unread_count", token, nil)
	require.Equal(t, float64(2), decodeBody(t, resp)["unread_count"])

	resp = doJSON(t, http.MethodGet, base+"/recent_messages?limit=1", token, nil)
	require.Len(t, decodeBody(t, resp)["messages"], 1)

	resp = doJSON(t, http.MethodGet, base+"/recent_messages?limit=zero", token, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, base+"/archive_conversation/alice", token, nil)
	require.Equal(t, float64(2), decodeBody(t, resp)["archived_messages"])

	resp = doJSON(t, http.MethodGet, base+"/archived_conversations", token, nil)
	archived := decodeBody(t, resp)["archived_users"].([]any)
	require.Len(t, archived, 1)

	resp = doJSON(t, http.MethodPost, base+"/unarchive_conversation/alice", token, nil)
	require.Equal(t, float64(2), decodeBody(t, resp)["archived_messages"])

	resp = doJSON(t, http.MethodDelete, base+"/conversation/alice", token, nil)
	require.Equal(t, float64(2), decodeBody(t, resp)["deleted_messages"])

	env.registry.Connect("anon", nopConn{}, models.Profile{FirstName: "Anon"})
	resp = doJSON(t, http.MethodPost, base+"/clear_user_cache", token, nil)
	require.Equal(t, float64(1), decodeBody(t, resp)["removed"])
}

type nopConn struct{}

func (nopConn) Send([]byte) error { return nil }
func (nopConn) Close() error      { return nil }

func controlCommand(t *testing.T, srv *Server, command string) string {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	go srv.HandleControlCommand(serverConn)

	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn.Write([]byte(command + "\n"))
	require.NoError(t, err)

	line, err := bufio.NewReader(clientConn).ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSpace(line)
}

func TestControlCommands(t *testing.T) {
	env := setupTestServer(t)
	env.registry.Connect("alice", nopConn{}, models.Profile{FirstName: "Alice", LastName: "Smith"})
	env.registry.Connect("anon", nopConn{}, models.Profile{})

	require.Equal(t, "OK|live=2,known=2,users=alice;anon", controlCommand(t, env.srv, "stats"))
	require.Equal(t, "OK|removed=1", controlCommand(t, env.srv, "purge"))
	require.Equal(t, "ERROR|Unknown command", controlCommand(t, env.srv, "dance"))

	select {
	case <-env.srv.Stopped():
		t.Fatal("stopped before shutdown command")
	default:
	}
	require.Equal(t, "OK|Shutting down", controlCommand(t, env.srv, "shutdown"))
	select {
	case <-env.srv.Stopped():
	case <-time.After(time.Second):
		t.Fatal("shutdown was not requested")
	}
}

// scriptedListener hands out a fixed sequence of accept results and then
// reports itself closed.
type scriptedListener struct {
	results []acceptResult
	calls   int
}

type acceptResult struct {
	conn net.Conn
	err  error
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	l.calls++
	if len(l.results) == 0 {
		return nil, net.ErrClosed
	}
	r := l.results[0]
	l.results = l.results[1:]
	return r.conn, r.err
}

func (l *scriptedListener) Close() error   { return nil }
func (l *scriptedListener) Addr() net.Addr { return &net.UnixAddr{Name: "control", Net: "unix"} }

func TestServeControlRetriesAndStopsWhenClosed(t *testing.T) {
	env := setupTestServer(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	transient := errors.New("too many open files")
	listener := &scriptedListener{results: []acceptResult{
		{err: transient},
		{err: transient},
		{conn: serverConn},
		{err: transient},
	}}

	done := make(chan error, 1)
	go func() { done <- env.srv.ServeControl(listener) }()

	clientConn.SetDeadline(time.Now().Add(3 * time.Second))
	_, err := clientConn.Write([]byte("stats\n"))
	require.NoError(t, err)
	line, err := bufio.NewReader(clientConn).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "OK|live="), line)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("ServeControl did not return after the listener closed")
	}
	require.Equal(t, 5, listener.calls)
}

func TestHealth(t *testing.T) {
	env := setupTestServer(t)
	resp, err := http.Get(env.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
