package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const dialTimeout = 30 * time.Second

// wsLink implements Link over a gorilla websocket connection
type wsLink struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWSLink(conn *websocket.Conn) *wsLink {
	return &wsLink{
		id:   uuid.NewString(),
		conn: conn,
	}
}

func (l *wsLink) ID() string {
	return l.id
}

func (l *wsLink) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// Send writes one text frame. The websocket connection supports a single
// writer at a time, so writes are serialized here.
func (l *wsLink) Send(frame []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkClosed, err)
	}
	return nil
}

// Receive blocks until the next text frame arrives
func (l *wsLink) Receive() ([]byte, error) {
	for {
		messageType, frame, err := l.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLinkClosed, err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		return frame, nil
	}
}

func (l *wsLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.Close()
	})
	return l.closeErr
}

// AcceptHandler is invoked once per accepted inbound link. The handler owns
// the link until it returns.
type AcceptHandler func(link Link)

// Server accepts inbound websocket links on a local address
type Server struct {
	addr     string
	handler  AcceptHandler
	upgrader websocket.Upgrader

	listener   net.Listener
	httpServer *http.Server
}

// NewServer creates a websocket listener for the given host:port address
func NewServer(addr string, handler AcceptHandler) *Server {
	return &Server{
		addr:    addr,
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Listen binds the local address. A bind failure is fatal to startup and is
// reported synchronously here.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.addr, err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.accept)
	s.httpServer = &http.Server{Handler: mux}
	return nil
}

// Serve accepts connections until Shutdown. Listen must have succeeded.
func (s *Server) Serve() error {
	if err := s.httpServer.Serve(s.listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new links and closes the listener
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the bound listener address; useful when binding port 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	link := newWSLink(conn)
	defer link.Close()
	s.handler(link)
}

// Dial opens an outbound link to a neighbour server address (host:port)
func Dial(ctx context.Context, addr string) (Link, error) {
	dialer := &websocket.Dialer{
		HandshakeTimeout: dialTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, "ws://"+addr, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s failed (HTTP %d): %w", addr, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s failed: %w", addr, err)
	}
	return newWSLink(conn), nil
}
