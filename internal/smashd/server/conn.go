package server

import (
	"net"

	"github.com/smash-sh/smash/internal/smashd/job"

	"github.com/google/uuid"
)

// Conn is one accepted client connection. It may be bound to a client
// record by LOGIN; dropping the connection never drops the client.
type Conn struct {
	// ID labels the connection in logs.
	ID uuid.UUID

	rw     net.Conn
	client *job.Client
	closed bool
}

func newConn(rw net.Conn) *Conn {
	return &Conn{
		ID: uuid.New(),
		rw: rw,
	}
}

// register links c into the connection table.
func (s *Server) register(c *Conn) {
	s.conns = append(s.conns, c)
	logger.Infof("new connection; conn: %s", c.ID)
}

// disconnect closes the connection, marks the bound client (if any) as no
// longer connected, and unlinks the connection from the table. The client
// record and its jobs are preserved.
func (s *Server) disconnect(c *Conn) {
	if c.closed {
		return
	}
	c.closed = true

	if c.client != nil {
		logger.Infof("client %q disconnected; conn: %s", c.client.Name, c.ID)
		c.client.Connected = false
	} else {
		logger.Infof("connection closed; conn: %s", c.ID)
	}

	c.rw.Close()

	for i, cand := range s.conns {
		if cand == c {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			break
		}
	}
}

// connByClient returns the connection currently bound to cl, or nil.
func (s *Server) connByClient(cl *job.Client) *Conn {
	for _, c := range s.conns {
		if c.client == cl {
			return c
		}
	}
	return nil
}
