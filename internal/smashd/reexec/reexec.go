// Package reexec is the in-child half of the job launcher. The serve
// process re-executes its own binary with the reexec subcommand, hands it a
// Spec over an inherited pipe, and the code here applies resource limits,
// priority, and output redirection before replacing itself with the job's
// command.
package reexec

import (
	"encoding/json"
	"io"
	"os"
	"os/exec"

	"github.com/smash-sh/smash/internal/smashd/output"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// SpecFD is the file descriptor the parent maps the spec pipe onto. It is
// the first entry of the child's extra files, after stdin/stdout/stderr.
const SpecFD = 3

// ErrSpecPipeNotFound indicates the parent did not pass the spec pipe to
// the child process.
var ErrSpecPipeNotFound = errors.New("spec pipe not found")

// Spec is the job description passed from the serve process to the child.
type Spec struct {
	// Argv is the command to execute; Argv[0] is resolved against PATH.
	Argv []string
	// Env is the submitting client's environment snapshot.
	Env []string

	MaxCPU   uint32
	MaxMem   uint32
	Priority int32

	StdoutFile string
	StderrFile string
}

// ReadSpec decodes the Spec the parent wrote to the spec pipe. The parent
// closes its end after writing, so a single read-to-EOF yields the whole
// document.
func ReadSpec() (*Spec, error) {
	pipe := os.NewFile(uintptr(SpecFD), "/proc/self/fd/3")
	if pipe == nil {
		return nil, ErrSpecPipeNotFound
	}
	defer pipe.Close()

	b, err := io.ReadAll(pipe)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var spec Spec
	if err := json.Unmarshal(b, &spec); err != nil {
		return nil, errors.WithStack(err)
	}
	return &spec, nil
}

// Exec applies the spec's limits and redirections to the current process
// and replaces it with the job's command. On success it never returns. The
// process is already its own group leader; the parent arranged that at
// spawn time.
func Exec(spec *Spec) error {
	if len(spec.Argv) == 0 {
		return errors.New("empty argv")
	}

	cpu := uint64(spec.MaxCPU)
	if err := unix.Setrlimit(unix.RLIMIT_CPU, &unix.Rlimit{Cur: cpu, Max: cpu}); err != nil {
		return errors.Wrap(err, "set cpu limit")
	}

	// MaxMem is an address-space cap in bytes, soft and hard alike.
	mem := uint64(spec.MaxMem)
	if err := unix.Setrlimit(unix.RLIMIT_AS, &unix.Rlimit{Cur: mem, Max: mem}); err != nil {
		return errors.Wrap(err, "set memory limit")
	}

	if err := unix.Setpriority(unix.PRIO_PROCESS, 0, int(spec.Priority)); err != nil {
		return errors.Wrap(err, "set priority")
	}

	if err := redirect(spec.StdoutFile, unix.Stdout); err != nil {
		return errors.Wrap(err, "redirect stdout")
	}
	if err := redirect(spec.StderrFile, unix.Stderr); err != nil {
		return errors.Wrap(err, "redirect stderr")
	}

	path, err := exec.LookPath(spec.Argv[0])
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.Wrap(unix.Exec(path, spec.Argv, spec.Env), "exec")
}

// redirect creates (or truncates) the capture file and installs it as fd.
func redirect(path string, fd int) error {
	var capture int
	for {
		var err error
		capture, err = unix.Open(path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, output.FileMode)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.WithStack(err)
		}
		break
	}

	for {
		if err := unix.Dup3(capture, fd, 0); err == unix.EINTR {
			continue
		} else if err != nil {
			unix.Close(capture)
			return errors.WithStack(err)
		}
		break
	}

	return errors.WithStack(unix.Close(capture))
}
