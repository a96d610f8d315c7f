// Package job provides the job entity, the per-client job list, and the
// server-wide registry used for pid lookup and backfill ordering.
//
// Nothing in this package locks: every value is owned by the server's event
// loop goroutine and mutated only there.
package job

import (
	"fmt"

	"github.com/smash-sh/smash/internal/proto"

	"golang.org/x/sys/unix"
)

// Job tracks one submitted command and the process group that runs it.
type Job struct {
	// ID is unique and stable within the owning client.
	ID uint32
	// Owner is a back-reference for update routing; the owning client's
	// Jobs slice holds the job itself.
	Owner *Client

	// Cmdline is the submitted line verbatim, kept for listings.
	Cmdline string
	// Argv is the parsed command; Argv[0] is the executable name.
	Argv []string
	// Env is the environment snapshot captured from the submitting client.
	Env []string

	MaxCPU   uint32
	MaxMem   uint32
	Priority int32

	Status   proto.Status
	ExitCode int32
	// PGID is the job's process group, valid only after the job has been
	// launched. It must not be signalled once the status is terminal.
	PGID   int
	Rusage proto.Rusage

	StdoutFile string
	StderrFile string
}

// New creates a job in the NEW state from a submission.
func New(cmdline string, argv []string, env []string, maxcpu, maxmem uint32, priority int32) *Job {
	return &Job{
		Cmdline:  cmdline,
		Argv:     append([]string(nil), argv...),
		Env:      append([]string(nil), env...),
		MaxCPU:   maxcpu,
		MaxMem:   maxmem,
		Priority: priority,
		Status:   proto.StatusNew,
	}
}

// Run moves the job into RUNNING. Only a job that has not started yet or is
// currently suspended may run.
func (j *Job) Run() error {
	if j.Status != proto.StatusNew && j.Status != proto.StatusSuspended {
		return fmt.Errorf("job %d is %s; can not run", j.ID, j.Status)
	}
	j.Status = proto.StatusRunning
	return nil
}

// UpdateFromWait maps a wait status reported by the kernel onto the job
// lifecycle. Exit codes and terminating signals land in ExitCode.
func (j *Job) UpdateFromWait(ws unix.WaitStatus) {
	switch {
	case ws.Stopped():
		j.Status = proto.StatusSuspended
	case ws.Continued():
		j.Status = proto.StatusRunning
	case ws.Signaled():
		j.Status = proto.StatusAborted
		j.ExitCode = int32(ws.Signal())
	case ws.Exited():
		j.Status = proto.StatusExited
		j.ExitCode = int32(ws.ExitStatus())
	}
}

// SetRusage records the resource usage snapshot taken when the job was
// reaped.
func (j *Job) SetRusage(ru *unix.Rusage) {
	j.Rusage = proto.Rusage{
		UtimeSec:  uint32(ru.Utime.Sec),
		UtimeUsec: uint32(ru.Utime.Usec),
		StimeSec:  uint32(ru.Stime.Sec),
		StimeUsec: uint32(ru.Stime.Usec),
		MaxRSS:    uint32(ru.Maxrss),
	}
}
