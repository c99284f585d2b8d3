package alert

import (
	"net"
	"time"

	"github.com/rs/zerolog"
)

// Handler is invoked with each successfully decoded Message.
type Handler func(Message)

// Server accepts TCP connections on a listener and decodes exactly one
// Message from each before closing it.
type Server struct {
	ln      net.Listener
	logger  zerolog.Logger
	handler Handler
}

// Listen binds addr and returns a Server ready to Serve.
func Listen(addr string, logger zerolog.Logger, handler Handler) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{ln: ln, logger: logger, handler: handler}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Close closes the listener, causing Serve to return.
func (s *Server) Close() error { return s.ln.Close() }

// Serve accepts connections until the listener is closed. Every connection
// runs in its own goroutine (each accepted stream connection
// runs concurrently).
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	msg, err := Decode(conn)
	if err != nil {
		s.logger.Error().Err(err).Stringer("peer", conn.RemoteAddr()).Msg("malformed alert message")
		return
	}
	s.handler(msg)
}

// Send dials addr and delivers msg as the connection's single framed
// message.
func Send(addr string, msg Message) error {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()

	b, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = conn.Write(b)
	return err
}
