package transport

import (
	"fmt"
	"sync"
	"time"

	"attrd/internal/election"
	"attrd/internal/peer"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// outboundEnvelope is one Envelope queued for the Run goroutine to deliver.
// Every delivery failure is logged at warning level and then dropped.
type outboundEnvelope struct {
	env Envelope
}

// Hub bridges real attrd processes over WebSocket connections — one
// connection per peer relationship, named by the peer's identity once it
// announces itself. Adapted from this daemon's monitoring push hub:
// register/unregister/broadcast channels feeding a single goroutine that
// owns the client map, so Send never touches the map directly.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*websocket.Conn

	register   chan namedConn
	unregister chan string
	outbound   chan outboundEnvelope

	peerHandler     PeerInbound
	electionHandler ElectionInbound
	scheduler       Scheduler
	log             *logrus.Entry
}

type namedConn struct {
	name string
	conn *websocket.Conn
}

// NewHub constructs a Hub. Inbound envelopes are dispatched to
// peerHandler/electionHandler via scheduler.Submit, keeping the
// single-cooperative-task model intact even though each connection has
// its own read goroutine.
func NewHub(peerHandler PeerInbound, electionHandler ElectionInbound, scheduler Scheduler, log *logrus.Entry) *Hub {
	return &Hub{
		clients:         make(map[string]*websocket.Conn),
		register:        make(chan namedConn),
		unregister:      make(chan string),
		outbound:        make(chan outboundEnvelope, 256),
		peerHandler:     peerHandler,
		electionHandler: electionHandler,
		scheduler:       scheduler,
		log:             log,
	}
}

// Run owns the client map for the hub's lifetime; call it on its own
// goroutine.
func (h *Hub) Run() {
	for {
		select {
		case nc, ok := <-h.register:
			if !ok {
				return
			}
			h.mu.Lock()
			if old, exists := h.clients[nc.name]; exists {
				old.Close()
			}
			h.clients[nc.name] = nc.conn
			h.mu.Unlock()
			if h.log != nil {
				h.log.WithField("peer", nc.name).Info("peer connected")
			}

		case name := <-h.unregister:
			h.mu.Lock()
			if conn, ok := h.clients[name]; ok {
				conn.Close()
				delete(h.clients, name)
			}
			h.mu.Unlock()
			if h.log != nil {
				h.log.WithField("peer", name).Info("peer disconnected")
			}

		case oe := <-h.outbound:
			h.deliver(oe.env)
		}
	}
}

func (h *Hub) deliver(env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if env.Target != "" {
		conn, ok := h.clients[env.Target]
		if !ok {
			return
		}
		h.writeTo(conn, env.Target, env)
		return
	}
	for name, conn := range h.clients {
		h.writeTo(conn, name, env)
	}
}

func (h *Hub) writeTo(conn *websocket.Conn, name string, env Envelope) {
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteJSON(env); err != nil {
		if h.log != nil {
			h.log.WithError(err).WithField("peer", name).Warn("peer write failed")
		}
	}
}

// Register adds (or replaces) the connection for a named peer.
func (h *Hub) Register(name string, conn *websocket.Conn) {
	h.register <- namedConn{name: name, conn: conn}
}

// Unregister drops the connection for a named peer.
func (h *Hub) Unregister(name string) {
	h.unregister <- name
}

// Send implements peer.Bus.
func (h *Hub) Send(target *peer.Identity, msg peer.Message) error {
	env := Envelope{Kind: kindMessage, Message: &msg}
	if target != nil {
		env.Target = target.Name
	}
	h.outbound <- outboundEnvelope{env: env}
	return nil
}

// SendVote implements election.Bus.
func (h *Hub) SendVote(v election.Vote) error {
	h.outbound <- outboundEnvelope{env: Envelope{Kind: kindVote, Vote: &v}}
	return nil
}

// SendNoVote implements election.Bus.
func (h *Hub) SendNoVote(target peer.Identity, nv election.NoVote) error {
	h.outbound <- outboundEnvelope{env: Envelope{Kind: kindNoVote, Target: target.Name, NoVote: &nv}}
	return nil
}

// ReadLoop reads envelopes from conn until it closes, dispatching each to
// the bound handlers via scheduler.Submit. Intended to run on its own
// goroutine per connection, mirroring this daemon's original
// per-connection read loop.
func (h *Hub) ReadLoop(name string, conn *websocket.Conn) {
	defer h.Unregister(name)
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if h.log != nil {
					h.log.WithError(err).WithField("peer", name).Warn("peer connection error")
				}
			}
			return
		}
		h.dispatch(env)
	}
}

// DialPeer opens an outbound connection to a statically-configured cluster
// peer and registers it the same way an inbound connection through Handler
// would, so the rest of the hub treats dialed and accepted connections
// identically.
func (h *Hub) DialPeer(name, addr, selfName string) error {
	url := fmt.Sprintf("ws://%s/peer?peer=%s", addr, selfName)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial peer %s at %s: %w", name, addr, err)
	}
	h.Register(name, conn)
	go h.ReadLoop(name, conn)
	return nil
}

func (h *Hub) dispatch(env Envelope) {
	switch env.Kind {
	case kindMessage:
		if env.Message == nil {
			return
		}
		msg := *env.Message
		h.scheduler.Submit(func() { h.peerHandler.HandleInbound(msg) })
	case kindVote:
		if env.Vote == nil {
			return
		}
		v := *env.Vote
		h.scheduler.Submit(func() { h.electionHandler.HandleVote(v) })
	case kindNoVote:
		if env.NoVote == nil {
			return
		}
		nv := *env.NoVote
		h.scheduler.Submit(func() { h.electionHandler.HandleNoVote(nv) })
	}
}
