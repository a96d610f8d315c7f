package server

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/smash-sh/smash/internal/proto"
	"github.com/smash-sh/smash/internal/smashd/job"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory net.Conn: everything the server writes is
// buffered for the test to decode.
type fakeConn struct {
	buf    bytes.Buffer
	closed bool
}

func (c *fakeConn) Read(p []byte) (int, error)       { return c.buf.Read(p) }
func (c *fakeConn) Write(p []byte) (int, error)      { return c.buf.Write(p) }
func (c *fakeConn) Close() error                     { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return &net.UnixAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr             { return &net.UnixAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// stubSpawner records launches and hands out fake process groups instead
// of forking.
type stubSpawner struct {
	launched []*job.Job
	nextPGID int
}

func (st *stubSpawner) spawn(j *job.Job) error {
	st.nextPGID++
	j.PGID = 1_000_000 + st.nextPGID
	st.launched = append(st.launched, j)
	return nil
}

func newTestServer(t *testing.T, maxjobs int) (*Server, *stubSpawner) {
	t.Helper()

	st := &stubSpawner{}
	s := New(Config{
		SocketPath: filepath.Join(t.TempDir(), "smash.socket"),
		MaxJobs:    maxjobs,
		OutputDir:  t.TempDir(),
	})
	s.spawn = st.spawn
	return s, st
}

func connect(s *Server) (*Conn, *fakeConn) {
	fc := &fakeConn{}
	c := newConn(fc)
	s.register(c)
	return c, fc
}

func readFrame(t *testing.T, fc *fakeConn) (proto.Tag, interface{}) {
	t.Helper()

	tag, payload, err := proto.Receive(&fc.buf)
	require.NoError(t, err)
	return tag, payload
}

func login(t *testing.T, s *Server, c *Conn, fc *fakeConn, name string) {
	t.Helper()

	require.NoError(t, s.handleFrame(c, proto.TagLogin, proto.Login{Name: name}))
	tag, _ := readFrame(t, fc)
	require.Equal(t, proto.TagAck, tag)
}

func submit(t *testing.T, s *Server, c *Conn, fc *fakeConn, cmdline string) uint32 {
	t.Helper()

	require.NoError(t, s.handleFrame(c, proto.TagJobSubmit, proto.Submission{Cmdline: cmdline}))
	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobSubmitSuccess, tag)
	return payload.(proto.JobRef).JobID
}

func TestLoginCreatesClient(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)

	login(t, s, c, fc, "alice")

	cl := s.reg.Client("alice")
	require.NotNil(t, cl)
	assert.True(t, cl.Connected)
	assert.Same(t, cl, c.client)
}

func TestLoginNameInUseRefused(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c1, fc1 := connect(s)
	login(t, s, c1, fc1, "alice")

	c2, fc2 := connect(s)
	require.NoError(t, s.handleFrame(c2, proto.TagLogin, proto.Login{Name: "alice"}))

	tag, _ := readFrame(t, fc2)
	assert.Equal(t, proto.TagNack, tag)
	assert.True(t, fc2.closed)
	// The first binding is untouched.
	assert.True(t, s.reg.Client("alice").Connected)
	assert.Same(t, c1.client, s.reg.Client("alice"))
}

func TestLoginEmptyNameRefused(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)

	require.NoError(t, s.handleFrame(c, proto.TagLogin, proto.Login{}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
	assert.True(t, fc.closed)
}

func TestDisconnectPreservesClientAndJobs(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c1, fc1 := connect(s)
	login(t, s, c1, fc1, "alice")
	id := submit(t, s, c1, fc1, "sleep 60")

	s.disconnect(c1)

	cl := s.reg.Client("alice")
	require.NotNil(t, cl)
	assert.False(t, cl.Connected)
	require.Len(t, cl.Jobs, 1)
	assert.Equal(t, id, cl.Jobs[0].ID)

	// Reconnecting as the same name rebinds the preserved record.
	c2, fc2 := connect(s)
	login(t, s, c2, fc2, "alice")
	assert.Same(t, cl, c2.client)
	require.Len(t, cl.Jobs, 1)
	assert.Equal(t, id, cl.Jobs[0].ID)
}

func TestRequestsBeforeLoginNacked(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)

	require.NoError(t, s.handleFrame(c, proto.TagJobStatus, proto.JobRef{JobID: 0}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
	assert.False(t, fc.closed)
}

func TestSubmitLaunchesWithinCap(t *testing.T) {
	s, st := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	id := submit(t, s, c, fc, "sleep 5")
	assert.Equal(t, uint32(0), id)

	// An immediate launch pushes a RUNNING update to the owner.
	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobUpdate, tag)
	assert.Equal(t, proto.Update{JobID: 0, Status: proto.StatusRunning}, payload)

	require.Len(t, st.launched, 1)
	assert.Equal(t, 1, s.numjobs)
	assert.Equal(t, proto.StatusRunning, st.launched[0].Status)
}

func TestSubmitBeyondCapStaysNew(t *testing.T) {
	s, st := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	submit(t, s, c, fc, "sleep 5")
	readFrame(t, fc) // running update for job 0

	id := submit(t, s, c, fc, "sleep 5")
	assert.Equal(t, uint32(1), id)

	// No update: the job is queued, not launched.
	assert.Zero(t, fc.buf.Len())
	assert.Len(t, st.launched, 1)
	assert.Equal(t, proto.StatusNew, c.client.Jobs[1].Status)
	assert.Equal(t, 1, s.numjobs)
}

func TestSubmitEmptyCommandNacked(t *testing.T) {
	s, st := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	require.NoError(t, s.handleFrame(c, proto.TagJobSubmit, proto.Submission{Cmdline: " \t "}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
	assert.Empty(t, st.launched)
	assert.Empty(t, c.client.Jobs)
}

func TestBackfillAdmitsEarliestNew(t *testing.T) {
	s, st := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	submit(t, s, c, fc, "sleep 5")
	readFrame(t, fc) // running update
	submit(t, s, c, fc, "echo second")
	submit(t, s, c, fc, "echo third")

	// Job 0 finishes; a slot frees and the earliest NEW job is admitted.
	j0 := c.client.Jobs[0]
	j0.Status = proto.StatusExited
	s.numjobs--
	require.NoError(t, s.backfill())

	require.Len(t, st.launched, 2)
	assert.Equal(t, uint32(1), st.launched[1].ID)
	assert.Equal(t, proto.StatusRunning, c.client.Jobs[1].Status)
	assert.Equal(t, proto.StatusNew, c.client.Jobs[2].Status)
	assert.Equal(t, 1, s.numjobs)

	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobUpdate, tag)
	assert.Equal(t, proto.Update{JobID: 1, Status: proto.StatusRunning}, payload)
}

func TestBackfillSkipsExpunged(t *testing.T) {
	s, st := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	submit(t, s, c, fc, "sleep 5")
	readFrame(t, fc)
	submit(t, s, c, fc, "echo second")
	submit(t, s, c, fc, "echo third")

	// Expunge the queued job 1; job 2 becomes the earliest NEW.
	require.NoError(t, s.handleFrame(c, proto.TagJobExpunge, proto.JobRef{JobID: 1}))
	tag, _ := readFrame(t, fc)
	require.Equal(t, proto.TagAck, tag)

	c.client.Jobs[0].Status = proto.StatusExited
	s.numjobs--
	require.NoError(t, s.backfill())

	require.Len(t, st.launched, 2)
	assert.Equal(t, uint32(2), st.launched[1].ID)
}

func TestBackfillRespectsCap(t *testing.T) {
	s, st := newTestServer(t, 2)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	for i := 0; i < 5; i++ {
		submit(t, s, c, fc, "sleep 5")
		if i < 2 {
			readFrame(t, fc) // running update for a job launched within the cap
		}
	}

	assert.Len(t, st.launched, 2)
	assert.Equal(t, 2, s.numjobs)

	// One slot frees; exactly one queued job may start.
	c.client.Jobs[0].Status = proto.StatusExited
	s.numjobs--
	require.NoError(t, s.backfill())

	assert.Len(t, st.launched, 3)
	assert.Equal(t, 2, s.numjobs)
}

func TestStatusUnknownJobNacked(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	require.NoError(t, s.handleFrame(c, proto.TagJobStatus, proto.JobRef{JobID: 9}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
}

func TestStatusReportsQueuedJob(t *testing.T) {
	s, _ := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	submit(t, s, c, fc, "sleep 5")
	readFrame(t, fc)
	require.NoError(t, s.handleFrame(c, proto.TagJobSubmit, proto.Submission{
		MaxCPU:   30,
		MaxMem:   1 << 24,
		Priority: 7,
		Cmdline:  "sleep 5",
	}))
	readFrame(t, fc) // submit success for job 1

	require.NoError(t, s.handleFrame(c, proto.TagJobStatus, proto.JobRef{JobID: 1}))
	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobStatusResp, tag)

	st := payload.(proto.StatusResp)
	assert.Equal(t, proto.StatusNew, st.Status)
	assert.Equal(t, uint32(30), st.MaxCPU)
	assert.Equal(t, uint32(1<<24), st.MaxMem)
	// Queued jobs report the stored submission priority.
	assert.Equal(t, int32(7), st.Priority)
}

func TestStatusOfExitedJob(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "true")
	readFrame(t, fc)

	j := c.client.Jobs[0]
	j.Status = proto.StatusExited
	j.ExitCode = 0

	require.NoError(t, s.handleFrame(c, proto.TagJobStatus, proto.JobRef{JobID: 0}))
	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobStatusResp, tag)
	st := payload.(proto.StatusResp)
	assert.Equal(t, proto.StatusExited, st.Status)
	assert.Equal(t, int32(0), st.ExitCode)
}

func TestListAll(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	// Empty list is refused.
	require.NoError(t, s.handleFrame(c, proto.TagJobListAll, nil))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)

	submit(t, s, c, fc, "sleep 60")
	readFrame(t, fc)
	submit(t, s, c, fc, "echo hi")
	readFrame(t, fc)
	c.client.Jobs[1].Status = proto.StatusExited

	require.NoError(t, s.handleFrame(c, proto.TagJobListAll, nil))
	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobListAllResp, tag)

	listings := payload.([]proto.Listing)
	require.Len(t, listings, 2)
	assert.Equal(t, uint32(0), listings[0].JobID)
	assert.Equal(t, "sleep 60", listings[0].Cmdline)
	assert.Equal(t, proto.StatusRunning, listings[0].Status)
	assert.Equal(t, uint32(1), listings[1].JobID)
	assert.Equal(t, proto.StatusExited, listings[1].Status)
}

func TestListSurvivesReconnect(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c1, fc1 := connect(s)
	login(t, s, c1, fc1, "alice")
	submit(t, s, c1, fc1, "sleep 60")
	readFrame(t, fc1)
	submit(t, s, c1, fc1, "true")
	readFrame(t, fc1)
	c1.client.Jobs[0].Status = proto.StatusExited

	s.disconnect(c1)

	c2, fc2 := connect(s)
	login(t, s, c2, fc2, "alice")
	require.NoError(t, s.handleFrame(c2, proto.TagJobListAll, nil))

	tag, payload := readFrame(t, fc2)
	require.Equal(t, proto.TagJobListAllResp, tag)
	listings := payload.([]proto.Listing)
	require.Len(t, listings, 2)
	assert.Equal(t, uint32(0), listings[0].JobID)
	assert.Equal(t, proto.StatusExited, listings[0].Status)
	assert.Equal(t, uint32(1), listings[1].JobID)
}

func TestSignalLiveJobAcked(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "sleep 60")
	readFrame(t, fc)

	// Signal 0 probes without delivering; the fake pgid never matches a
	// real process group anyway.
	require.NoError(t, s.handleFrame(c, proto.TagJobSignal, proto.Signal{JobID: 0, Signal: 0}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagAck, tag)
}

func TestSignalTerminalJobNacked(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "true")
	readFrame(t, fc)

	j := c.client.Jobs[0]
	j.Status = proto.StatusAborted

	require.NoError(t, s.handleFrame(c, proto.TagJobSignal, proto.Signal{JobID: 0, Signal: 9}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
}

func TestSignalQueuedJobNacked(t *testing.T) {
	s, _ := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "sleep 60")
	readFrame(t, fc)
	submit(t, s, c, fc, "sleep 60") // stays NEW

	require.NoError(t, s.handleFrame(c, proto.TagJobSignal, proto.Signal{JobID: 1, Signal: 9}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
}

func TestExpungeRemovesJob(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "true")
	readFrame(t, fc)

	j := c.client.Jobs[0]
	j.Status = proto.StatusExited

	require.NoError(t, s.handleFrame(c, proto.TagJobExpunge, proto.JobRef{JobID: 0}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagAck, tag)
	assert.Empty(t, c.client.Jobs)
	assert.Empty(t, s.reg.Jobs())

	// The id is gone for good.
	require.NoError(t, s.handleFrame(c, proto.TagJobStatus, proto.JobRef{JobID: 0}))
	tag, _ = readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
}

func TestExpungeUnknownJobNacked(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	require.NoError(t, s.handleFrame(c, proto.TagJobExpunge, proto.JobRef{JobID: 5}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
}

func TestResults(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "echo hello")
	readFrame(t, fc)

	j := c.client.Jobs[0]

	// Live jobs are refused.
	require.NoError(t, s.handleFrame(c, proto.TagJobGetStdout, proto.JobRef{JobID: 0}))
	tag, _ := readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)

	j.Status = proto.StatusExited
	require.NoError(t, os.WriteFile(j.StdoutFile, []byte("hello\n"), 0o600))
	require.NoError(t, os.WriteFile(j.StderrFile, nil, 0o600))

	require.NoError(t, s.handleFrame(c, proto.TagJobGetStdout, proto.JobRef{JobID: 0}))
	tag, payload := readFrame(t, fc)
	require.Equal(t, proto.TagJobResults, tag)
	assert.Equal(t, []byte("hello\n"), payload.(proto.Results).Content)

	// An empty capture yields no results.
	require.NoError(t, s.handleFrame(c, proto.TagJobGetStderr, proto.JobRef{JobID: 0}))
	tag, _ = readFrame(t, fc)
	assert.Equal(t, proto.TagNack, tag)
}

func TestUpdateSkippedWhileOwnerDisconnected(t *testing.T) {
	s, _ := newTestServer(t, 1)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")
	submit(t, s, c, fc, "sleep 5")
	readFrame(t, fc)
	submit(t, s, c, fc, "sleep 5")

	s.disconnect(c)

	// Backfill while the owner is away: no update frame is emitted and
	// nothing panics.
	c.client.Jobs[0].Status = proto.StatusExited
	s.numjobs--
	require.NoError(t, s.backfill())
	assert.Equal(t, proto.StatusRunning, c.client.Jobs[1].Status)
	assert.Zero(t, fc.buf.Len())
}

func TestUnexpectedFrameDisconnects(t *testing.T) {
	s, _ := newTestServer(t, 0)
	c, fc := connect(s)
	login(t, s, c, fc, "alice")

	require.NoError(t, s.handleFrame(c, proto.TagJobSubmitSuccess, proto.JobRef{JobID: 0}))
	assert.True(t, fc.closed)
}
