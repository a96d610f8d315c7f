// Package shell implements the interactive client: a protocol driver over
// the server's unix socket plus the REPL that drives it.
package shell

import (
	"fmt"
	"io"
	"net"
	"os"

	"github.com/smash-sh/smash/internal/log"
	"github.com/smash-sh/smash/internal/proto"

	"github.com/fatih/color"
	"github.com/pkg/errors"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "shell")

var (
	// ErrServerClosed indicates the server ended the connection. Login
	// reports a connection closed during login as ErrLoginRefused instead.
	ErrServerClosed = errors.New("server closed the connection")
	// ErrLoginRefused indicates the server rejected the login name.
	ErrLoginRefused = errors.New("login refused")
)

// Shell drives the framed protocol on behalf of the REPL. A background
// reader owns every inbound frame: unsolicited JOB_UPDATEs are printed as
// they arrive and responses are handed to the request in flight.
type Shell struct {
	conn net.Conn
	out  io.Writer

	// resp carries responses to the single in-flight request. The reader
	// closes it when the connection dies.
	resp chan response
}

type response struct {
	tag     proto.Tag
	payload interface{}
}

// Dial connects to the server socket and starts the frame reader.
func Dial(socket string) (*Shell, error) {
	conn, err := net.DialUnix("unix", nil, &net.UnixAddr{Name: socket, Net: "unix"})
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %q", socket)
	}

	s := &Shell{
		conn: conn,
		out:  os.Stdout,
		resp: make(chan response),
	}
	go s.read()
	return s, nil
}

// Close drops the connection.
func (s *Shell) Close() error {
	return s.conn.Close()
}

// read decodes inbound frames until the stream dies. Updates print
// immediately; everything else answers the pending request.
func (s *Shell) read() {
	defer close(s.resp)

	for {
		tag, payload, err := proto.Receive(s.conn)
		if err != nil {
			logger.Debugf("receive; error: %v", err)
			return
		}

		if tag == proto.TagJobUpdate {
			u := payload.(proto.Update)
			fmt.Fprintf(s.out, "\r[%d] Changed state and is now '%s'\n",
				u.JobID, statusColor(u.Status).Sprint(u.Status))
			continue
		}

		s.resp <- response{tag: tag, payload: payload}
	}
}

// roundTrip sends one request and blocks for its response.
func (s *Shell) roundTrip(tag proto.Tag, payload interface{}) (response, error) {
	if err := proto.Send(s.conn, tag, payload); err != nil {
		return response{}, errors.Wrap(err, "send request")
	}

	r, ok := <-s.resp
	if !ok {
		return response{}, ErrServerClosed
	}
	return r, nil
}

// Login introduces the user to the server. The server answers ACK, or
// NACK followed by a closed connection when the name is already bound
// elsewhere; a NACK and a closed connection both yield ErrLoginRefused.
func (s *Shell) Login(name string) error {
	r, err := s.roundTrip(proto.TagLogin, proto.Login{Name: name})
	if errors.Is(err, ErrServerClosed) {
		return ErrLoginRefused
	}
	if err != nil {
		return err
	}
	if r.tag != proto.TagAck {
		return ErrLoginRefused
	}
	return nil
}

// Submit sends a job submission carrying this process's environment
// snapshot and prints the assigned job id.
func (s *Shell) Submit(maxcpu, maxmem uint32, priority int32, cmdline string) error {
	r, err := s.roundTrip(proto.TagJobSubmit, proto.Submission{
		MaxCPU:   maxcpu,
		MaxMem:   maxmem,
		Priority: priority,
		Cmdline:  cmdline,
		Env:      os.Environ(),
	})
	if err != nil {
		return err
	}

	switch r.tag {
	case proto.TagJobSubmitSuccess:
		fmt.Fprintf(s.out, "[%d] Job submitted.\n", r.payload.(proto.JobRef).JobID)
	case proto.TagNack:
		fmt.Fprintln(s.out, "Job submission failed!")
	}
	return nil
}

// Status prints the server's status report for one job.
func (s *Shell) Status(jobid uint32) error {
	r, err := s.roundTrip(proto.TagJobStatus, proto.JobRef{JobID: jobid})
	if err != nil {
		return err
	}
	if r.tag != proto.TagJobStatusResp {
		fmt.Fprintln(s.out, "No such job found.")
		return nil
	}

	st := r.payload.(proto.StatusResp)
	fmt.Fprintf(s.out, "(%s)", statusColor(st.Status).Sprint(st.Status))

	switch st.Status {
	case proto.StatusExited:
		fmt.Fprintf(s.out, " <exitcode=%d>", st.ExitCode)
	case proto.StatusAborted:
		fmt.Fprintf(s.out, " <signal=%d>", st.ExitCode)
	}

	// cpu time is utime+stime of the reaped process group.
	if st.Status == proto.StatusExited || st.Status == proto.StatusAborted || st.Status == proto.StatusSuspended {
		sec, usec := st.Rusage.CPUTime()
		fmt.Fprintf(s.out, " <cputime=%d.%06d> <maxrss=%d>", sec, usec, st.Rusage.MaxRSS)

		if sec >= st.MaxCPU {
			fmt.Fprint(s.out, " [EXCEEDED USER CPU LIMIT]")
		}
		if st.Rusage.MaxRSS >= st.MaxMem {
			fmt.Fprint(s.out, " [EXCEEDED USER MEM LIMIT]")
		}
	}

	fmt.Fprintf(s.out, " <priority=%d> (limits: [cpu=%d] [mem=%d])\n",
		st.Priority, st.MaxCPU, st.MaxMem)
	return nil
}

// List prints every job the user owns, in submission order.
func (s *Shell) List() error {
	r, err := s.roundTrip(proto.TagJobListAll, nil)
	if err != nil {
		return err
	}
	if r.tag != proto.TagJobListAllResp {
		fmt.Fprintln(s.out, "No results returned.")
		return nil
	}

	for _, l := range r.payload.([]proto.Listing) {
		fmt.Fprintf(s.out, "[%d] (%s) %s", l.JobID, statusColor(l.Status).Sprint(l.Status), l.Cmdline)
		switch l.Status {
		case proto.StatusExited:
			fmt.Fprintf(s.out, " <exitcode=%d>", l.ExitCode)
		case proto.StatusAborted:
			fmt.Fprintf(s.out, " <signal=%d>", l.ExitCode)
		}
		fmt.Fprintln(s.out)
	}
	return nil
}

// Signal asks the server to deliver a signal to the job's process group.
func (s *Shell) Signal(jobid, signum uint32) error {
	r, err := s.roundTrip(proto.TagJobSignal, proto.Signal{JobID: jobid, Signal: signum})
	if err != nil {
		return err
	}

	switch r.tag {
	case proto.TagAck:
		fmt.Fprintln(s.out, "Signal sent.")
	case proto.TagNack:
		fmt.Fprintln(s.out, "No such job found.")
	}
	return nil
}

// SetPriority renices the job's process group.
func (s *Shell) SetPriority(jobid uint32, priority int32) error {
	r, err := s.roundTrip(proto.TagJobSetPri, proto.Priority{JobID: jobid, Priority: priority})
	if err != nil {
		return err
	}

	switch r.tag {
	case proto.TagAck:
		fmt.Fprintln(s.out, "Job priority changed.")
	case proto.TagNack:
		fmt.Fprintln(s.out, "No such job found.")
	}
	return nil
}

// Expunge removes the job from the server.
func (s *Shell) Expunge(jobid uint32) error {
	r, err := s.roundTrip(proto.TagJobExpunge, proto.JobRef{JobID: jobid})
	if err != nil {
		return err
	}

	switch r.tag {
	case proto.TagAck:
		fmt.Fprintln(s.out, "Job expunged.")
	case proto.TagNack:
		fmt.Fprintln(s.out, "No such job found.")
	}
	return nil
}

// Output prints the captured stdout or stderr of a finished job verbatim.
func (s *Shell) Output(jobid uint32, wantStderr bool) error {
	tag := proto.TagJobGetStdout
	if wantStderr {
		tag = proto.TagJobGetStderr
	}

	r, err := s.roundTrip(tag, proto.JobRef{JobID: jobid})
	if err != nil {
		return err
	}
	if r.tag != proto.TagJobResults {
		fmt.Fprintln(s.out, "Server returned no results for job.")
		return nil
	}

	s.out.Write(r.payload.(proto.Results).Content)
	return nil
}

// statusColor maps a job status to its display color.
func statusColor(st proto.Status) *color.Color {
	switch st {
	case proto.StatusRunning:
		return color.New(color.FgGreen)
	case proto.StatusSuspended:
		return color.New(color.FgYellow)
	case proto.StatusExited:
		return color.New(color.FgCyan)
	case proto.StatusAborted, proto.StatusCanceled:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgWhite)
	}
}
