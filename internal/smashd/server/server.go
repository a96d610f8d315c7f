// Package server implements the batch job server: a unix stream socket
// accept loop, the framed-protocol dispatcher, the job launcher, and the
// asynchronous child reaper.
//
// All mutable state (clients, jobs, connections, the running-job count) is
// owned by the single goroutine inside Run. Connection readers and the
// accept loop only decode bytes and post events to that goroutine, and
// signals are converted to channel receives by os/signal, so no locks are
// needed anywhere.
package server

import (
	"context"
	"fmt"
	"math"
	"net"
	"os"
	"os/signal"

	"github.com/smash-sh/smash/internal/log"
	"github.com/smash-sh/smash/internal/proto"
	"github.com/smash-sh/smash/internal/smashd/job"

	"golang.org/x/sys/unix"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "server")

// Config carries the server's command-line configuration.
type Config struct {
	// SocketPath is the filesystem path of the listening socket. It must
	// not exist at startup.
	SocketPath string
	// MaxJobs caps how many jobs may consume cpu concurrently. Zero or
	// negative means unlimited.
	MaxJobs int
	// OutputDir is where job output capture files are created. Empty means
	// the current working directory.
	OutputDir string
}

// Server owns all job-server state. Create with New, drive with Run.
type Server struct {
	cfg Config

	reg     *job.Registry
	conns   []*Conn
	numjobs int
	maxjobs int

	ln     *net.UnixListener
	events chan event

	// spawn starts a job's process group and records its pgid. It is a
	// field so tests can substitute a fake.
	spawn func(*job.Job) error
}

// New creates a Server from cfg.
func New(cfg Config) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = proto.DefaultSocket
	}
	dir := cfg.OutputDir
	if dir == "" {
		dir = "."
	}

	maxjobs := cfg.MaxJobs
	if maxjobs <= 0 {
		maxjobs = math.MaxInt
	}

	s := &Server{
		cfg:     cfg,
		reg:     job.NewRegistry(dir),
		maxjobs: maxjobs,
		events:  make(chan event, 64),
	}
	s.spawn = s.spawnReexec
	return s
}

// event is posted to the owner goroutine by the accept loop and the
// per-connection readers.
type event interface{}

// connEvent announces an accepted connection.
type connEvent struct {
	c *Conn
}

// frameEvent carries one decoded frame, or the receive error that ended
// the connection's read loop.
type frameEvent struct {
	c       *Conn
	tag     proto.Tag
	payload interface{}
	err     error
}

// Run listens on the configured socket and serves until ctx is canceled or
// SIGINT/SIGTERM arrives, then performs the shutdown sequence. The socket
// path must not already exist.
func (s *Server) Run(ctx context.Context) error {
	if _, err := os.Lstat(s.cfg.SocketPath); err == nil {
		return fmt.Errorf("socket file %q already exists; remove it to reuse the path", s.cfg.SocketPath)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return fmt.Errorf("listen on %q; error: %w", s.cfg.SocketPath, err)
	}
	s.ln = ln

	logger.Infof("listening on %s", s.cfg.SocketPath)

	// SIGCHLD drives the reaper, SIGINT/SIGTERM shutdown, SIGUSR1 the
	// debug gate. Writes to closed sockets surface as EPIPE errors rather
	// than signals, matching the disconnect handling in send.
	sigchld := make(chan os.Signal, 1)
	signal.Notify(sigchld, unix.SIGCHLD)
	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, unix.SIGINT, unix.SIGTERM)
	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, unix.SIGUSR1)
	defer signal.Stop(sigchld)
	defer signal.Stop(sigterm)
	defer signal.Stop(sigusr1)

	go s.accept()

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return nil
		case <-sigterm:
			logger.Infof("shutting down")
			s.shutdown()
			return nil
		case <-sigusr1:
			logger.Infof("debug output enabled: %v", log.ToggleDebug())
		case <-sigchld:
			if err := s.reap(); err != nil {
				s.shutdown()
				return err
			}
		case ev := <-s.events:
			if err := s.handleEvent(ev); err != nil {
				s.shutdown()
				return err
			}
		}
	}
}

// accept hands every new connection to the owner goroutine and starts its
// reader. It exits when the listener closes at shutdown.
func (s *Server) accept() {
	for {
		rw, err := s.ln.Accept()
		if err != nil {
			return
		}
		c := newConn(rw)
		s.events <- connEvent{c: c}
		go s.read(c)
	}
}

// read decodes frames from c until the stream errors, posting each to the
// owner goroutine. The terminating error rides the last event.
func (s *Server) read(c *Conn) {
	for {
		tag, payload, err := proto.Receive(c.rw)
		s.events <- frameEvent{c: c, tag: tag, payload: payload, err: err}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleEvent(ev event) error {
	switch ev := ev.(type) {
	case connEvent:
		s.register(ev.c)
		return nil
	case frameEvent:
		if ev.c.closed {
			// Events may trail a disconnect; drop them.
			return nil
		}
		if ev.err != nil {
			logger.Debugf("receive failed; conn: %s, error: %v", ev.c.ID, ev.err)
			s.disconnect(ev.c)
			return nil
		}
		return s.handleFrame(ev.c, ev.tag, ev.payload)
	default:
		return nil
	}
}

// send writes one response or update frame to c. A transport failure
// disconnects c; the frame is simply dropped.
func (s *Server) send(c *Conn, tag proto.Tag, payload interface{}) {
	if c.closed {
		return
	}
	if err := proto.Send(c.rw, tag, payload); err != nil {
		logger.Debugf("send %s failed; conn: %s, error: %v", tag, c.ID, err)
		s.disconnect(c)
	}
}

// notifyOwner pushes a JOB_UPDATE for j to its owner's connection, if the
// owner is currently bound to one.
func (s *Server) notifyOwner(j *job.Job) {
	if j.Owner == nil || !j.Owner.Connected {
		return
	}
	c := s.connByClient(j.Owner)
	if c == nil {
		return
	}
	s.send(c, proto.TagJobUpdate, proto.Update{JobID: j.ID, Status: j.Status})
}

// shutdown force-kills every live job, waits for each to be reaped,
// removes all jobs and their output files, closes every connection, and
// unlinks the socket.
func (s *Server) shutdown() {
	for _, c := range append([]*Conn(nil), s.conns...) {
		s.disconnect(c)
	}

	for _, cl := range s.reg.Clients() {
		s.cancelJobs(cl)
		s.waitJobs(cl)
		for _, j := range append([]*job.Job(nil), cl.Jobs...) {
			s.reg.Remove(cl, j)
		}
	}

	if s.ln != nil {
		s.ln.Close()
		os.Remove(s.cfg.SocketPath)
	}
}

// cancelJobs force-kills cl's live jobs and marks unstarted ones aborted.
func (s *Server) cancelJobs(cl *job.Client) {
	for _, j := range cl.Jobs {
		switch {
		case j.Status.Live():
			logger.Debugf("canceling job; client: %s, job: %d, pgid: %d", cl.Name, j.ID, j.PGID)
			unix.Kill(-j.PGID, unix.SIGKILL)
			j.Status = proto.StatusCanceled
		case j.Status == proto.StatusNew:
			j.Status = proto.StatusAborted
		}
	}
}

// waitJobs blocks until every canceled job of cl has been collected, so no
// children outlive the server.
func (s *Server) waitJobs(cl *job.Client) {
	for _, j := range cl.Jobs {
		if j.Status != proto.StatusCanceled {
			continue
		}
		for {
			var ws unix.WaitStatus
			pid, err := unix.Wait4(j.PGID, &ws, 0, nil)
			if err == unix.EINTR {
				continue
			}
			if pid > 0 && (ws.Exited() || ws.Signaled()) {
				j.UpdateFromWait(ws)
			}
			break
		}
	}
}
