// Package gateway is the room-scoped event relay at the center of the
// collaboration service. It authenticates sessions, tracks room
// membership, mirrors cursor and typing state into the presence cache,
// and fans every in-room event out to the other members of the room.
//
// Concurrent edits are relayed in arrival order with no reconciliation:
// the relay is last-write-wins. Conflict resolution, if it ever exists,
// belongs in a layer above this one.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/auth"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/backplane"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/presence"
	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/rooms"
)

const presenceOpTimeout = 3 * time.Second

type Deps struct {
	Log         *zap.Logger
	TokenConfig auth.TokenConfig
	Registry    *rooms.Registry
	Presence    *presence.Manager

	// Policy defaults to AllowAllPolicy: any authenticated user may join
	// any proposal room.
	Policy RoomAccessPolicy

	// Backplane defaults to backplane.Noop (single instance).
	Backplane  backplane.Backplane
	InstanceID string
}

// Server owns all live sessions of one gateway instance. It is
// constructed explicitly by the startup routine and passed wherever it is
// served from; there is no package-level instance.
type Server struct {
	log      *zap.Logger
	tokenCfg auth.TokenConfig
	registry *rooms.Registry
	presence *presence.Manager
	policy   RoomAccessPolicy

	bp         backplane.Backplane
	instanceID string

	upgrader websocket.Upgrader

	mu        sync.RWMutex
	conns     map[*conn]struct{}
	roomConns map[string]map[*conn]struct{}
}

func NewServer(deps Deps) *Server {
	policy := deps.Policy
	if policy == nil {
		policy = AllowAllPolicy{}
	}
	bp := deps.Backplane
	if bp == nil {
		bp = backplane.Noop{}
	}
	return &Server{
		log:        deps.Log,
		tokenCfg:   deps.TokenConfig,
		registry:   deps.Registry,
		presence:   deps.Presence,
		policy:     policy,
		bp:         bp,
		instanceID: deps.InstanceID,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:     make(map[*conn]struct{}),
		roomConns: make(map[string]map[*conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer s.disconnect(c)

	open := map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	}
	openBytes, _ := json.Marshal(open)
	_ = c.writeText(engineFrame(engineOpen, string(openBytes)))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}
	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handlePayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handlePayload(c *conn, payload string) {
	if payload == "" {
		return
	}
	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

// handleConnect is the one authentication point of a session. A bad
// credential gets a CONNECT_ERROR packet and the transport is closed
// before any event, join included, can be processed.
func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	_, rest := parseOptionalNamespace(payload[1:])

	var authObj connectAuth
	if rest == "" || json.Unmarshal([]byte(rest), &authObj) != nil || authObj.Token == "" {
		s.rejectConnect(c)
		return
	}

	identity, err := auth.Verify(authObj.Token, s.tokenCfg)
	if err != nil {
		s.log.Info("connection rejected", zap.String("sid", c.sid), zap.Error(err))
		s.rejectConnect(c)
		return
	}

	c.userID = identity.UserID
	c.email = identity.Email
	c.connected.Store(true)

	connectPkt, _ := buildConnectPacket(c.sid)
	_ = c.writeText(engineFrame(engineMessage, connectPkt))
}

func (s *Server) rejectConnect(c *conn) {
	pkt, err := buildConnectErrorPacket("authentication failed")
	if err == nil {
		_ = c.writeText(engineFrame(engineMessage, pkt))
	}
	c.close()
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}

	pkt, err := parseEventPacket(payload)
	if err != nil {
		// Malformed frame: drop it, never the process.
		return
	}

	switch pkt.Event {
	case evJoinProposal:
		var body struct {
			ProposalID string `json:"proposalId"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.ProposalID == "" {
			return
		}
		s.handleJoin(c, body.ProposalID)

	case evLeaveProposal:
		var body struct {
			ProposalID string `json:"proposalId"`
		}
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.ProposalID == "" {
			return
		}
		s.leaveRoom(c, body.ProposalID)

	case evCursorMove:
		s.handleCursorMove(c, pkt)

	case evTypingStart:
		s.handleTyping(c, pkt, true)

	case evTypingStop:
		s.handleTyping(c, pkt, false)

	default:
		kind, ok := relayKinds[pkt.Event]
		if !ok {
			return
		}
		s.relay(c, kind, pkt)
	}
}

// handleJoin runs the Authenticated → RoomJoined transition. The side
// effects tolerate partial failure independently: a dead presence store
// degrades the snapshot, never the join itself.
func (s *Server) handleJoin(c *conn, proposalID string) {
	if err := s.policy.CanJoin(auth.Identity{UserID: c.userID, Email: c.email}, proposalID); err != nil {
		s.log.Info("join denied",
			zap.String("room", proposalID), zap.String("user", c.userID), zap.Error(err))
		_ = c.writeEvent(evError, map[string]string{"message": "room access denied"})
		return
	}

	s.mu.Lock()
	prev := c.roomID
	s.mu.Unlock()
	if prev != "" && prev != proposalID {
		// One room per session: switching rooms leaves the old one first.
		s.leaveRoom(c, prev)
	}

	s.mu.Lock()
	wasMember := s.registry.Contains(proposalID, c.userID)
	set, ok := s.roomConns[proposalID]
	if !ok {
		set = make(map[*conn]struct{})
		s.roomConns[proposalID] = set
	}
	set[c] = struct{}{}
	c.roomID = proposalID
	s.mu.Unlock()

	s.registry.Join(proposalID, c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	if err := s.presence.MarkJoined(ctx, proposalID, c.userID, c.email, c.sid); err != nil {
		s.log.Warn("presence write failed",
			zap.String("room", proposalID), zap.String("user", c.userID), zap.Error(err))
	}
	cancel()

	if !wasMember {
		data, _ := json.Marshal(map[string]string{"userId": c.userID, "email": c.email})
		s.broadcast(proposalID, c, evCollaboration, s.envelope(UserJoined, proposalID, c.userID, data))
	}

	// Point-to-point snapshot for the joiner only. Best effort: a failed
	// scan yields an empty list, not an error.
	ctx, cancel = context.WithTimeout(context.Background(), presenceOpTimeout)
	snapshot, err := s.presence.Snapshot(ctx, proposalID)
	cancel()
	if err != nil {
		s.log.Warn("presence snapshot failed",
			zap.String("room", proposalID), zap.String("user", c.userID), zap.Error(err))
		snapshot = map[string]presence.Record{}
	}
	_ = c.writeEvent(evUsersOnline, map[string]any{
		"proposalId": proposalID,
		"users":      snapshot,
	})
}

// leaveRoom runs the RoomJoined → Authenticated transition for one
// session. Registry and presence are touched, and USER_LEFT broadcast,
// only when this was the user's last session in the room.
func (s *Server) leaveRoom(c *conn, proposalID string) {
	s.mu.Lock()
	if c.roomID != proposalID {
		s.mu.Unlock()
		return
	}
	c.roomID = ""
	set := s.roomConns[proposalID]
	delete(set, c)
	lastSession := true
	for other := range set {
		if other.userID == c.userID {
			lastSession = false
			break
		}
	}
	if len(set) == 0 {
		delete(s.roomConns, proposalID)
	}
	s.mu.Unlock()

	if !lastSession {
		return
	}

	s.registry.Leave(proposalID, c.userID)

	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	if err := s.presence.Clear(ctx, proposalID, c.userID); err != nil {
		s.log.Warn("presence clear failed",
			zap.String("room", proposalID), zap.String("user", c.userID), zap.Error(err))
	}
	cancel()

	data, _ := json.Marshal(map[string]string{"userId": c.userID})
	s.broadcast(proposalID, c, evCollaboration, s.envelope(UserLeft, proposalID, c.userID, data))
}

func (s *Server) handleCursorMove(c *conn, pkt eventPacket) {
	roomID := s.joinedRoom(c)
	if roomID == "" {
		return
	}
	var body struct {
		SectionID string `json:"sectionId"`
		Position  int    `json:"position"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SectionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	if err := s.presence.UpdateCursor(ctx, roomID, c.userID, presence.Cursor{
		SectionID: body.SectionID,
		Position:  body.Position,
	}); err != nil {
		s.log.Warn("cursor presence write failed",
			zap.String("room", roomID), zap.String("user", c.userID), zap.Error(err))
	}
	cancel()

	s.broadcast(roomID, c, evCollaboration, s.envelope(CursorMoved, roomID, c.userID, pkt.Args[0]))
}

func (s *Server) handleTyping(c *conn, pkt eventPacket, typing bool) {
	roomID := s.joinedRoom(c)
	if roomID == "" {
		return
	}
	var body struct {
		SectionID string `json:"sectionId"`
	}
	if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &body) != nil || body.SectionID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	if err := s.presence.SetTyping(ctx, roomID, c.userID, body.SectionID, typing); err != nil {
		s.log.Warn("typing presence write failed",
			zap.String("room", roomID), zap.String("user", c.userID), zap.Error(err))
	}
	cancel()

	s.broadcast(roomID, c, evUserTyping, map[string]any{
		"userId":    c.userID,
		"sectionId": body.SectionID,
		"isTyping":  typing,
	})
}

// relay forwards an opaque in-room payload to the rest of the room. An
// event from a session that never joined a room is dropped silently,
// with no error reply.
func (s *Server) relay(c *conn, kind EventKind, pkt eventPacket) {
	roomID := s.joinedRoom(c)
	if roomID == "" {
		return
	}
	var data json.RawMessage
	if len(pkt.Args) > 0 {
		data = pkt.Args[0]
	}
	s.broadcast(roomID, c, evCollaboration, s.envelope(kind, roomID, c.userID, data))
}

func (s *Server) joinedRoom(c *conn) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return c.roomID
}

func (s *Server) envelope(kind EventKind, proposalID, userID string, data json.RawMessage) Envelope {
	return Envelope{
		Type:       kind,
		ProposalID: proposalID,
		UserID:     userID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
	}
}

// broadcast emits one event to every connected session in the room except
// the originator. Delivery is fire-and-forget: no ack, no retry, no
// queue. A session mid-reconnect misses the event and converges via the
// users-online snapshot on its next join.
func (s *Server) broadcast(proposalID string, except *conn, event string, args ...any) {
	packet, err := buildEventPacket(event, args...)
	if err != nil {
		s.log.Warn("encode broadcast failed", zap.String("room", proposalID), zap.Error(err))
		return
	}
	frame := engineFrame(engineMessage, packet)

	s.mu.RLock()
	set := s.roomConns[proposalID]
	targets := make([]*conn, 0, len(set))
	for member := range set {
		if member != except {
			targets = append(targets, member)
		}
	}
	s.mu.RUnlock()

	var failed []*conn
	for _, member := range targets {
		if err := member.writeText(frame); err != nil {
			failed = append(failed, member)
		}
	}
	for _, member := range failed {
		s.disconnect(member)
	}

	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	if err := s.bp.Publish(ctx, backplane.Envelope{
		Origin:     s.instanceID,
		ProposalID: proposalID,
		Frame:      frame,
	}); err != nil {
		s.log.Warn("backplane publish failed", zap.String("room", proposalID), zap.Error(err))
	}
	cancel()
}

// DeliverFromBackplane hands a foreign instance's broadcast to the local
// members of the room. The originating session lives on the origin
// instance, so no sender exclusion is needed here.
func (s *Server) DeliverFromBackplane(env backplane.Envelope) {
	if env.Origin == s.instanceID {
		return
	}

	s.mu.RLock()
	set := s.roomConns[env.ProposalID]
	targets := make([]*conn, 0, len(set))
	for member := range set {
		targets = append(targets, member)
	}
	s.mu.RUnlock()

	for _, member := range targets {
		if err := member.writeText(env.Frame); err != nil {
			s.disconnect(member)
		}
	}
}

// disconnect tears a session down from any state. Safe to call more than
// once; the room leave runs only while the session still holds a room.
func (s *Server) disconnect(c *conn) {
	s.mu.Lock()
	roomID := c.roomID
	delete(s.conns, c)
	s.mu.Unlock()

	if roomID != "" {
		s.leaveRoom(c, roomID)
	}
	c.close()
}

// SessionCount reports live transport connections, for the health
// endpoint.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
