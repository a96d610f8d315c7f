package server

import (
	"github.com/smash-sh/smash/internal/proto"

	"golang.org/x/sys/unix"
)

// reap drains every pending child state change and maps each onto its
// job's lifecycle. Suspensions and terminations free an admission slot,
// which is immediately backfilled with queued NEW jobs; continuations take
// a slot back. Owners with a bound connection receive a JOB_UPDATE per
// change, in the order the kernel reported them.
func (s *Server) reap() error {
	for {
		var ws unix.WaitStatus
		var ru unix.Rusage
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, &ru)
		if err == unix.EINTR {
			continue
		}
		if pid <= 0 || err != nil {
			return nil
		}

		logger.Debugf("reaped pid %d", pid)

		j := s.reg.ByPGID(pid)
		if j == nil {
			// Expunged before its final state change arrived.
			logger.Debugf("no job for pid %d", pid)
			continue
		}

		j.SetRusage(&ru)
		j.UpdateFromWait(ws)
		logger.Debugf("job %d is now %s", j.ID, j.Status)

		switch j.Status {
		case proto.StatusRunning:
			// A suspended group continued and consumes cpu again.
			s.numjobs++
		case proto.StatusSuspended, proto.StatusExited, proto.StatusAborted:
			s.numjobs--
			if err := s.backfill(); err != nil {
				return err
			}
		}

		s.notifyOwner(j)
	}
}

// backfill admits queued NEW jobs in global insertion order until the cap
// is reached or none remain.
func (s *Server) backfill() error {
	for _, j := range s.reg.Jobs() {
		if s.numjobs >= s.maxjobs {
			return nil
		}
		if j.Status != proto.StatusNew {
			continue
		}
		logger.Debugf("backfilling job %d", j.ID)
		if err := s.execJob(j); err != nil {
			return err
		}
	}
	return nil
}
