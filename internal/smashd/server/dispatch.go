package server

import (
	"os"

	"github.com/smash-sh/smash/internal/parse"
	"github.com/smash-sh/smash/internal/proto"
	"github.com/smash-sh/smash/internal/smashd/job"
	"github.com/smash-sh/smash/internal/validator"

	"golang.org/x/sys/unix"
)

// handleFrame services one request frame. Errors inside a handler never
// reach the caller; they become a NACK or a disconnect. The only error
// returned is a failure to spawn a child, which is fatal to the server.
func (s *Server) handleFrame(c *Conn, tag proto.Tag, payload interface{}) error {
	logger.Debugf("request %s; conn: %s", tag, c.ID)

	if tag == proto.TagLogin {
		s.login(c, payload.(proto.Login))
		return nil
	}

	// Every other request requires a bound client.
	if c.client == nil {
		s.send(c, proto.TagNack, nil)
		return nil
	}

	switch tag {
	case proto.TagJobSubmit:
		return s.submit(c, payload.(proto.Submission))
	case proto.TagJobStatus:
		s.status(c, payload.(proto.JobRef))
	case proto.TagJobListAll:
		s.listAll(c)
	case proto.TagJobSignal:
		s.signal(c, payload.(proto.Signal))
	case proto.TagJobSetPri:
		s.setPriority(c, payload.(proto.Priority))
	case proto.TagJobExpunge:
		s.expunge(c, payload.(proto.JobRef))
	case proto.TagJobGetStdout:
		s.results(c, payload.(proto.JobRef).JobID, false)
	case proto.TagJobGetStderr:
		s.results(c, payload.(proto.JobRef).JobID, true)
	default:
		// A frame the server never expects from a client desynchronizes
		// nothing, but it signals a broken peer.
		logger.Warnf("unexpected frame %s; conn: %s", tag, c.ID)
		s.disconnect(c)
	}
	return nil
}

// login binds c to the named client record, creating or re-binding as
// needed. A name currently held by another connection is refused and the
// connection dropped.
func (s *Server) login(c *Conn, p proto.Login) {
	valid := validator.New()
	valid.Assert(p.Name != "", "login name empty")
	valid.Assert(c.client == nil, "connection already bound")
	if err := valid.Err(); err != nil {
		logger.Debugf("login rejected; conn: %s, error: %v", c.ID, err)
		s.send(c, proto.TagNack, nil)
		s.disconnect(c)
		return
	}

	cl := s.reg.Client(p.Name)
	if cl != nil && cl.Connected {
		logger.Warnf("login for %q refused; name already connected", p.Name)
		s.send(c, proto.TagNack, nil)
		s.disconnect(c)
		return
	}
	if cl == nil {
		cl = s.reg.AddClient(p.Name)
	}

	cl.Connected = true
	c.client = cl
	logger.Infof("client %q logged in; conn: %s", cl.Name, c.ID)
	s.send(c, proto.TagAck, nil)
}

// submit registers a new job and launches it immediately when the
// admission gate allows; otherwise the job stays NEW for backfill.
func (s *Server) submit(c *Conn, p proto.Submission) error {
	argv := parse.Split(p.Cmdline)
	if len(argv) == 0 {
		s.send(c, proto.TagNack, nil)
		return nil
	}

	j := job.New(p.Cmdline, argv, p.Env, p.MaxCPU, p.MaxMem, p.Priority)
	s.reg.Insert(c.client, j)

	logger.Infof("client %q submitted job %d: %s", c.client.Name, j.ID, j.Cmdline)
	s.send(c, proto.TagJobSubmitSuccess, proto.JobRef{JobID: j.ID})

	return s.execJob(j)
}

// status reports a job's lifecycle, limits, live priority, and rusage.
func (s *Server) status(c *Conn, p proto.JobRef) {
	j := c.client.ByID(p.JobID)
	if j == nil {
		s.send(c, proto.TagNack, nil)
		return
	}

	s.send(c, proto.TagJobStatusResp, proto.StatusResp{
		Status:   j.Status,
		ExitCode: j.ExitCode,
		MaxCPU:   j.MaxCPU,
		MaxMem:   j.MaxMem,
		Priority: s.jobPriority(j),
		Rusage:   j.Rusage,
	})
}

// jobPriority queries the live nice value of the job's process group,
// falling back to the stored submission priority.
func (s *Server) jobPriority(j *job.Job) int32 {
	if !j.Status.Live() {
		return j.Priority
	}
	prio, err := unix.Getpriority(unix.PRIO_PGRP, j.PGID)
	if err != nil {
		return j.Priority
	}
	// The raw syscall reports 20-nice.
	return int32(20 - prio)
}

// listAll sends the client's jobs in submission order, or NACK when the
// list is empty.
func (s *Server) listAll(c *Conn) {
	if len(c.client.Jobs) == 0 {
		s.send(c, proto.TagNack, nil)
		return
	}

	listings := make([]proto.Listing, 0, len(c.client.Jobs))
	for _, j := range c.client.Jobs {
		listings = append(listings, proto.Listing{
			JobID:    j.ID,
			Cmdline:  j.Cmdline,
			Status:   j.Status,
			ExitCode: j.ExitCode,
		})
	}
	s.send(c, proto.TagJobListAllResp, listings)
}

// signal delivers a signal to the job's process group. Jobs without a live
// process group are refused; a terminal job's pgid may have been reused
// and must never be signalled.
func (s *Server) signal(c *Conn, p proto.Signal) {
	j := c.client.ByID(p.JobID)
	if j == nil || !j.Status.Live() {
		s.send(c, proto.TagNack, nil)
		return
	}

	s.send(c, proto.TagAck, nil)
	if err := unix.Kill(-j.PGID, unix.Signal(p.Signal)); err != nil {
		logger.Errorf("signal %d to pgid %d; error: %v", p.Signal, j.PGID, err)
	}
}

// setPriority renices the job's whole process group. Jobs without a live
// process group are refused.
func (s *Server) setPriority(c *Conn, p proto.Priority) {
	j := c.client.ByID(p.JobID)
	if j == nil || !j.Status.Live() {
		s.send(c, proto.TagNack, nil)
		return
	}

	if err := unix.Setpriority(unix.PRIO_PGRP, j.PGID, int(p.Priority)); err != nil {
		logger.Errorf("set priority of pgid %d; error: %v", j.PGID, err)
		s.send(c, proto.TagNack, nil)
		return
	}
	j.Priority = p.Priority
	s.send(c, proto.TagAck, nil)
}

// expunge force-kills the job if it is live, then removes it and its
// output files.
func (s *Server) expunge(c *Conn, p proto.JobRef) {
	j := c.client.ByID(p.JobID)
	if j == nil {
		s.send(c, proto.TagNack, nil)
		return
	}

	s.send(c, proto.TagAck, nil)
	if j.Status.Live() {
		unix.Kill(-j.PGID, unix.SIGKILL)
	}
	s.reg.Remove(c.client, j)
	logger.Infof("client %q expunged job %d", c.client.Name, j.ID)
}

// results returns the captured stdout or stderr of a finished job. Live
// jobs and empty captures are refused.
func (s *Server) results(c *Conn, jobid uint32, wantStderr bool) {
	j := c.client.ByID(jobid)
	if j == nil {
		s.send(c, proto.TagNack, nil)
		return
	}

	if j.Status != proto.StatusExited && j.Status != proto.StatusAborted {
		s.send(c, proto.TagNack, nil)
		return
	}

	path := j.StdoutFile
	if wantStderr {
		path = j.StderrFile
	}

	content, err := os.ReadFile(path)
	if err != nil || len(content) == 0 {
		s.send(c, proto.TagNack, nil)
		return
	}
	s.send(c, proto.TagJobResults, proto.Results{Content: content})
}
