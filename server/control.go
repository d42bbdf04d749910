package server

import (
	"bufio"
	"errors"
	"log"
	"net"
	"strconv"
	"strings"
	"time"
)

const maxAcceptBackoff = time.Second

// ServeControl accepts management connections until the listener is closed.
// Other accept errors are retried with a growing delay.
func (s *Server) ServeControl(listener net.Listener) error {
	var delay time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay *= 2
			}
			if delay > maxAcceptBackoff {
				delay = maxAcceptBackoff
			}
			log.Printf("Control socket accept error: %v; retrying in %v", err, delay)
			time.Sleep(delay)
			continue
		}
		delay = 0

		go s.HandleControlCommand(conn)
	}
}

// HandleControlCommand serves one line from the management socket.
// Format: cmd|arg|arg
func (s *Server) HandleControlCommand(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.SplitN(strings.TrimSpace(line), "|", 3)

	switch parts[0] {
	case "stats":
		conn.Write([]byte("OK|" + s.GetStats() + "\n"))

	case "purge":
		removed := s.registry.PurgeIncomplete()
		conn.Write([]byte("OK|removed=" + strconv.Itoa(removed) + "\n"))

	case "shutdown":
		conn.Write([]byte("OK|Shutting down\n"))
		log.Printf("Shutdown requested over control socket")
		s.requestStop()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
