// Package devserver is an in-memory chat relay speaking the same REST and
// WebSocket protocol as the production server. It backs end-to-end tests
// and local development (chatsyncctl devserver).
package devserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/model"
	"go.uber.org/zap"
)

// DefaultCode is the verification code accepted unless Code is changed.
const DefaultCode = "123456"

// Server is the in-memory relay.
type Server struct {
	// Code is the SMS verification code the relay accepts.
	Code string

	engine *gin.Engine
	logger *zap.Logger

	mu       sync.Mutex
	users    map[string]*model.Contact // by id
	tokens   map[string]string         // token -> user id
	conns    map[string]*websocket.Conn
	inbox    map[string][]model.Message // unacked messages per recipient
	received []model.Message
	acks     []string
	pings    int
	inits    []model.Frame
	pushKeys map[string]string
}

// New builds a relay with its routes registered.
func New(logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		Code:     DefaultCode,
		engine:   gin.New(),
		logger:   logging.OrNop(logger),
		users:    make(map[string]*model.Contact),
		tokens:   make(map[string]string),
		conns:    make(map[string]*websocket.Conn),
		inbox:    make(map[string][]model.Message),
		pushKeys: make(map[string]string),
	}
	s.engine.Use(gin.Recovery())

	user := s.engine.Group("/user")
	user.POST("/signup", s.signup)
	user.POST("/login", s.login)
	user.GET("/verify", s.verify)
	user.GET("/findRegisteredUser", s.findByPhone)
	user.GET("/findRegisteredUserById", s.findByID)

	authed := user.Group("", s.requireAuth)
	authed.POST("/update", s.update)
	authed.POST("/sendMessage", s.sendMessage)
	authed.POST("/ackMessage", s.ackMessage)
	authed.GET("/updatePushKey", s.updatePushKey)

	s.engine.GET("/socket", s.socket)
	return s
}

// Handler returns the HTTP handler serving REST and WebSocket routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Register adds a user directly, bypassing signup. Missing id and token are generated.
func (s *Server) Register(c model.Contact) model.Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Token == "" {
		c.Token = uuid.NewString()
	}
	c.Chat = nil
	s.users[c.ID] = &c
	s.tokens[c.Token] = c.ID
	return c
}

// Push relays a message from the server side to its recipient (m.SentTo),
// as if another user had sent it. The stored copy is returned.
func (s *Server) Push(m model.Message) model.Message {
	s.mu.Lock()
	m = s.acceptLocked(m)
	s.mu.Unlock()
	s.deliver(m.SentTo, m)
	return m
}

// Signal relays a typing or receipt signal to userID without storing it.
func (s *Server) Signal(userID string, m model.Message) {
	s.deliver(userID, m)
}

// DropConnections closes every live socket, simulating a network drop.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for id, c := range s.conns {
		conns = append(conns, c)
		delete(s.conns, id)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "dropped")
	}
}

// Online reports whether userID has a live socket.
func (s *Server) Online(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[userID]
	return ok
}

// Received returns every content message the relay accepted, in order.
func (s *Server) Received() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.received...)
}

// Acks returns the acknowledged message ids, in order.
func (s *Server) Acks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acks...)
}

// Pings returns how many keep-alive frames were received.
func (s *Server) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// Inits returns the init frames received, in order.
func (s *Server) Inits() []model.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Frame(nil), s.inits...)
}

// PushKey returns the push key registered for userID.
func (s *Server) PushKey(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushKeys[userID]
}

// acceptLocked assigns an id and time and files the message for its recipient.
func (s *Server) acceptLocked(m model.Message) model.Message {
	m.ID = uuid.NewString()
	if m.Time == 0 {
		m.Time = time.Now().UnixMilli()
	}
	s.received = append(s.received, m)
	if m.SentTo != "" {
		s.inbox[m.SentTo] = append(s.inbox[m.SentTo], m)
	}
	return m
}

func (s *Server) deliver(userID string, m model.Message) {
	s.mu.Lock()
	conn := s.conns[userID]
	s.mu.Unlock()
	if conn == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, m); err != nil {
		s.logger.Debug("deliver failed", zap.String("user", userID), zap.Error(err))
	}
}

func (s *Server) requireAuth(c *gin.Context) {
	s.mu.Lock()
	id, ok := s.tokens[c.GetHeader("auth")]
	s.mu.Unlock()
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "bad token"})
		return
	}
	c.Set("userID", id)
	c.Next()
}

func (s *Server) signup(c *gin.Context) {
	var in model.Contact
	if err := c.ShouldBindJSON(&in); err != nil || in.Phone == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phone required"})
		return
	}
	in.ID, in.Token = "", ""
	c.JSON(http.StatusOK, s.Register(in))
}

func (s *Server) login(c *gin.Context) {
	var in model.Contact
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if (in.ID != "" && u.ID == in.ID) || (in.ID == "" && in.Phone != "" && u.Phone == in.Phone) {
			c.JSON(http.StatusOK, u)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "unknown user"})
}

func (s *Server) update(c *gin.Context) {
	var in model.Contact
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[c.GetString("userID")]
	u.Name = in.Name
	u.Tagline = in.Tagline
	c.JSON(http.StatusOK, u)
}

func (s *Server) verify(c *gin.Context) {
	s.mu.Lock()
	_, known := s.users[c.Query("userId")]
	s.mu.Unlock()
	if known && c.Query("code") == s.Code {
		c.String(http.StatusOK, "OK")
		return
	}
	c.String(http.StatusOK, "ERROR")
}

func (s *Server) findByPhone(c *gin.Context) {
	s.find(c, func(u *model.Contact) bool { return u.Phone == c.Query("phone") })
}

func (s *Server) findByID(c *gin.Context) {
	s.find(c, func(u *model.Contact) bool { return u.ID == c.Query("id") })
}

func (s *Server) find(c *gin.Context, match func(*model.Contact) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []model.Contact{}
	for _, u := range s.users {
		if match(u) {
			pub := *u
			pub.Token = ""
			out = append(out, pub)
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) sendMessage(c *gin.Context) {
	var in model.Message
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	in.AuthorID = c.GetString("userID")
	c.JSON(http.StatusOK, s.Push(in))
}

func (s *Server) ackMessage(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	id := string(raw)
	userID := c.GetString("userID")

	s.mu.Lock()
	s.acks = append(s.acks, id)
	pending := s.inbox[userID][:0]
	for _, m := range s.inbox[userID] {
		if m.ID != id {
			pending = append(pending, m)
		}
	}
	s.inbox[userID] = pending
	s.mu.Unlock()
	c.String(http.StatusOK, "OK")
}

func (s *Server) updatePushKey(c *gin.Context) {
	s.mu.Lock()
	s.pushKeys[c.Query("id")] = c.Query("key")
	s.mu.Unlock()
	c.String(http.StatusOK, "OK")
}

// header picks the control fields out of a client frame. Frames without a
// "t" are messages.
type header struct {
	T   string `json:"t"`
	Tok string `json:"tok"`
	At  *int64 `json:"time"`
}

func (s *Server) socket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()
	ctx := c.Request.Context()

	var userID string
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		var f header
		if err := json.Unmarshal(data, &f); err != nil {
			s.logger.Debug("bad client frame", zap.Error(err))
			continue
		}
		switch f.T {
		case model.FrameInit:
			userID = s.handleInit(conn, f)
			if userID == "" {
				_ = conn.Close(websocket.StatusPolicyViolation, "bad token")
				return
			}
		case model.FramePing:
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
		default:
			if userID == "" {
				continue
			}
			var m model.Message
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			m.AuthorID = userID
			if m.Kind() != model.KindContent {
				s.Signal(m.SentTo, m)
				continue
			}
			s.Push(m)
		}
	}

	s.mu.Lock()
	if userID != "" && s.conns[userID] == conn {
		delete(s.conns, userID)
	}
	s.mu.Unlock()
}

// handleInit authenticates the socket and replays unacked messages newer
// than the client's last received time.
func (s *Server) handleInit(conn *websocket.Conn, f header) string {
	var since int64
	if f.At != nil {
		since = *f.At
	}
	s.mu.Lock()
	s.inits = append(s.inits, model.Frame{Type: f.T, Token: f.Tok, Time: f.At})
	userID, ok := s.tokens[f.Tok]
	if !ok {
		s.mu.Unlock()
		return ""
	}
	s.conns[userID] = conn
	var backlog []model.Message
	for _, m := range s.inbox[userID] {
		if m.Time > since {
			backlog = append(backlog, m)
		}
	}
	s.mu.Unlock()

	for _, m := range backlog {
		s.deliver(userID, m)
	}
	return userID
}
