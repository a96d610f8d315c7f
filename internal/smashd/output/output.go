// Package output names and manages the files that capture job output.
package output

import (
	"fmt"
	"path/filepath"
	"time"
)

// FileMode is the permission set for captured output files. Only the
// owning user may read results back.
const FileMode = 0o600

// Files returns the stdout and stderr capture paths for a job submitted by
// client at the given wall-clock time. Uniqueness relies on microsecond
// resolution within a single server process.
func Files(dir, client string, at time.Time) (stdout, stderr string) {
	stem := fmt.Sprintf("%s_%d%d", client, at.Unix(), at.UnixMicro()%1_000_000)
	stdout = filepath.Join(dir, stem+".out")
	stderr = filepath.Join(dir, stem+".err")
	return stdout, stderr
}
