package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"attrd/internal/dispatch"
	"attrd/internal/identity"

	"github.com/sirupsen/logrus"
)

func millisDuration(ms int64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

const maxFrameBytes = 4 << 20 // 4 MiB, generous headroom over any realistic batch update

// Server listens on a Unix domain socket and dispatches framed requests.
type Server struct {
	socketPath string
	dispatcher *dispatch.Dispatcher
	log        *logrus.Entry
	identity   *identity.Resolver

	mu       sync.Mutex
	listener net.Listener
}

// NewServer constructs a Server bound to socketPath once ListenAndServe is
// called.
func NewServer(socketPath string, d *dispatch.Dispatcher, log *logrus.Entry) *Server {
	return &Server{socketPath: socketPath, dispatcher: d, log: log}
}

// WithIdentity attaches a resolver that looks up the wire request's acting
// user in the directory before dispatch. The request keeps the username it
// carried whether or not the lookup succeeds; a failed lookup is logged.
// Optional: no lookup happens when no resolver is set.
func (s *Server) WithIdentity(r *identity.Resolver) *Server {
	s.identity = r
	return s
}

func (s *Server) resolveUser(username string) string {
	if s.identity == nil || username == "" {
		return username
	}
	owner, err := s.identity.ResolveOwner(username)
	if err != nil {
		if s.log != nil {
			s.log.WithError(err).WithField("user", username).Warn("identity resolution failed, keeping raw username")
		}
		return username
	}
	return owner.Username
}

// ListenAndServe removes any stale socket file, listens, and accepts
// connections until Close is called. Blocks; run on its own goroutine.
func (s *Server) ListenAndServe() error {
	os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

type conn struct {
	nc  net.Conn
	mu  sync.Mutex // guards writes: a deferred response can race an immediate one
}

func (c *conn) writeFrame(body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := c.nc.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := c.nc.Write(body)
	return err
}

func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, io.ErrShortBuffer
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Server) handleConn(nc net.Conn) {
	c := &conn{nc: nc}
	defer nc.Close()

	for {
		body, err := readFrame(nc)
		if err != nil {
			return
		}

		var wreq wireRequest
		if err := json.Unmarshal(body, &wreq); err != nil {
			c.writeFrame(mustMarshal(wireResponse{Error: "malformed request"}))
			continue
		}

		req, err := toDispatchRequest(wreq)
		if err != nil {
			c.writeFrame(mustMarshal(fromDispatchResponse(dispatch.Response{RequestID: wreq.ID, Err: err})))
			continue
		}
		req.User = s.resolveUser(req.User)

		resp := s.dispatcher.Dispatch(req)
		if resp != nil {
			c.writeFrame(mustMarshal(fromDispatchResponse(*resp)))
			continue
		}

		s.dispatcher.OnResponse(req.ID, func(r dispatch.Response) {
			c.writeFrame(mustMarshal(fromDispatchResponse(r)))
		})
	}
}

func mustMarshal(w wireResponse) []byte {
	b, err := json.Marshal(w)
	if err != nil {
		return []byte(`{"error":"internal: failed to marshal response"}`)
	}
	return b
}
