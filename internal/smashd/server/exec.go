package server

import (
	"encoding/json"
	"os"
	"os/exec"
	"syscall"

	"github.com/smash-sh/smash/internal/smashd/job"
	"github.com/smash-sh/smash/internal/smashd/reexec"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReexecCommand is the hidden subcommand the launcher re-executes its own
// binary with. The reexec half applies limits and redirections in the
// child before replacing itself with the job's command.
const ReexecCommand = "reexec"

// execJob launches j if the admission gate allows. At the cap the job is
// left in NEW for the reaper's backfill pass. A spawn failure is fatal to
// the server.
func (s *Server) execJob(j *job.Job) error {
	logger.Debugf("%d / %d jobs", s.numjobs, s.maxjobs)
	if s.numjobs >= s.maxjobs {
		return nil
	}

	if err := s.spawn(j); err != nil {
		return errors.Wrapf(err, "spawn job %d", j.ID)
	}

	if err := j.Run(); err != nil {
		logger.Errorf("job %d: %v", j.ID, err)
	}
	s.numjobs++

	s.notifyOwner(j)
	return nil
}

// spawnReexec starts the job's process group: it re-executes this binary
// with the reexec subcommand as a new group leader and hands it the job
// spec over an inherited pipe. The child applies rlimits, nice, and output
// redirection, then execs the job's argv.
func (s *Server) spawnReexec(j *job.Job) error {
	exe, err := os.Executable()
	if err != nil {
		return errors.WithStack(err)
	}

	specOut, specIn, err := os.Pipe()
	if err != nil {
		return errors.Wrap(err, "spec pipe")
	}
	defer specOut.Close()
	defer specIn.Close()

	cmd := exec.Command(exe, ReexecCommand)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.ExtraFiles = []*os.File{specOut}

	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "start child")
	}

	pid := cmd.Process.Pid
	j.PGID = pid
	// The runtime sets the child's group between fork and exec; repeating
	// it here guards the race where we signal the group first.
	unix.Setpgid(pid, pid)

	spec := reexec.Spec{
		Argv:       j.Argv,
		Env:        j.Env,
		MaxCPU:     j.MaxCPU,
		MaxMem:     j.MaxMem,
		Priority:   j.Priority,
		StdoutFile: j.StdoutFile,
		StderrFile: j.StderrFile,
	}
	if err := json.NewEncoder(specIn).Encode(spec); err != nil {
		return errors.Wrap(err, "write spec")
	}

	logger.Debugf("spawned job %d; pgid: %d, argv: %v", j.ID, pid, j.Argv)
	return nil
}
