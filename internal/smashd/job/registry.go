package job

import (
	"os"
	"time"

	"github.com/smash-sh/smash/internal/smashd/output"
)

// Registry owns every client record and the server-wide job list. The
// global list preserves insertion order across clients, which fixes both
// pid-lookup iteration and backfill admission order.
type Registry struct {
	// OutputDir is where captured output files are created.
	OutputDir string

	clients []*Client
	jobs    []*Job

	now func() time.Time
}

// NewRegistry creates a Registry writing output files under dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		OutputDir: dir,
		now:       time.Now,
	}
}

// Client returns the record for name, or nil if the name has never logged
// in.
func (r *Registry) Client(name string) *Client {
	for _, c := range r.clients {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// AddClient creates a record for a name logging in for the first time.
func (r *Registry) AddClient(name string) *Client {
	c := &Client{Name: name}
	r.clients = append(r.clients, c)
	return c
}

// Clients returns every client record.
func (r *Registry) Clients() []*Client {
	return r.clients
}

// Jobs returns the global job list in insertion order.
func (r *Registry) Jobs() []*Job {
	return r.jobs
}

// Insert links j into c's job list and the global list, assigns the next
// job id, and names the job's output capture files.
func (r *Registry) Insert(c *Client, j *Job) {
	j.Owner = c
	j.ID = c.nextID
	c.nextID++

	c.Jobs = append(c.Jobs, j)
	r.jobs = append(r.jobs, j)

	j.StdoutFile, j.StderrFile = output.Files(r.OutputDir, c.Name, r.now())
}

// Remove unlinks j from both lists and deletes its output files. Removing a
// job that is not registered is a no-op.
func (r *Registry) Remove(c *Client, j *Job) {
	for i, cand := range c.Jobs {
		if cand == j {
			c.Jobs = append(c.Jobs[:i], c.Jobs[i+1:]...)
			break
		}
	}
	for i, cand := range r.jobs {
		if cand == j {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			break
		}
	}

	if j.StdoutFile != "" {
		os.Remove(j.StdoutFile)
	}
	if j.StderrFile != "" {
		os.Remove(j.StderrFile)
	}
}

// ByPGID returns the job whose process group is pid, or nil. Only jobs that
// have been launched have a process group.
func (r *Registry) ByPGID(pid int) *Job {
	if pid <= 0 {
		return nil
	}
	for _, j := range r.jobs {
		if j.PGID == pid {
			return j
		}
	}
	return nil
}
