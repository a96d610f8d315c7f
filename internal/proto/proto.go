// Package proto implements the framed binary protocol spoken between the
// batch server and its clients. Every frame is a one byte tag followed by a
// tag-specific payload. Integer fields are fixed-width native-endian 32-bit
// values; strings are a u32 length (excluding any NUL) followed by raw bytes.
//
// There is no outer length field, so a decode error leaves the stream
// desynchronized. Callers must terminate the connection on any Receive
// error.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultSocket is the rendezvous path server and client fall back to when
// no socket file is configured.
const DefaultSocket = ".cse376hw4.socket"

// Tag identifies the frame type on the wire.
type Tag byte

const (
	TagAck              Tag = 1
	TagNack             Tag = 2
	TagLogin            Tag = 3
	TagJobSubmit        Tag = 4
	TagJobStatus        Tag = 5
	TagJobSignal        Tag = 6
	TagJobSetPri        Tag = 7
	TagJobGetStdout     Tag = 8
	TagJobGetStderr     Tag = 9
	TagJobListAll       Tag = 10
	TagJobExpunge       Tag = 11
	TagJobSubmitSuccess Tag = 12
	TagJobStatusResp    Tag = 13
	TagJobUpdate        Tag = 14
	TagJobListAllResp   Tag = 15
	TagJobResults       Tag = 16
)

func (t Tag) String() string {
	switch t {
	case TagAck:
		return "ACK"
	case TagNack:
		return "NACK"
	case TagLogin:
		return "LOGIN"
	case TagJobSubmit:
		return "JOB_SUBMIT"
	case TagJobStatus:
		return "JOB_STATUS"
	case TagJobSignal:
		return "JOB_SIGNAL"
	case TagJobSetPri:
		return "JOB_SET_PRI"
	case TagJobGetStdout:
		return "JOB_GET_STDOUT"
	case TagJobGetStderr:
		return "JOB_GET_STDERR"
	case TagJobListAll:
		return "JOB_LIST_ALL"
	case TagJobExpunge:
		return "JOB_EXPUNGE"
	case TagJobSubmitSuccess:
		return "JOB_SUBMIT_SUCCESS"
	case TagJobStatusResp:
		return "JOB_STATUS_RESP"
	case TagJobUpdate:
		return "JOB_UPDATE"
	case TagJobListAllResp:
		return "JOB_LIST_ALL_RESP"
	case TagJobResults:
		return "JOB_RESULTS"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

var (
	// ErrDisconnected indicates the peer closed the stream at a frame
	// boundary.
	ErrDisconnected = errors.New("peer disconnected")
	// ErrUnknownTag indicates an unrecognized frame tag was read. The stream
	// can not be resynchronized afterwards.
	ErrUnknownTag = errors.New("unknown frame tag")
	// ErrBadPayload indicates Send was handed a payload that does not match
	// the frame tag.
	ErrBadPayload = errors.New("payload does not match tag")
)

// maxFieldLen bounds every variable-length field. A length prefix beyond it
// is treated as a desynchronized stream.
const maxFieldLen = 1 << 24

// Login is the LOGIN payload.
type Login struct {
	Name string
}

// Submission is the JOB_SUBMIT payload.
type Submission struct {
	MaxCPU   uint32
	MaxMem   uint32
	Priority int32
	Cmdline  string
	Env      []string
}

// JobRef is the payload of every frame that carries a bare job id:
// JOB_STATUS, JOB_GET_STDOUT, JOB_GET_STDERR, JOB_EXPUNGE, and
// JOB_SUBMIT_SUCCESS.
type JobRef struct {
	JobID uint32
}

// Signal is the JOB_SIGNAL payload.
type Signal struct {
	JobID  uint32
	Signal uint32
}

// Priority is the JOB_SET_PRI payload.
type Priority struct {
	JobID    uint32
	Priority int32
}

// StatusResp is the JOB_STATUS_RESP payload.
type StatusResp struct {
	Status   Status
	ExitCode int32
	MaxCPU   uint32
	MaxMem   uint32
	Priority int32
	Rusage   Rusage
}

// Update is the JOB_UPDATE payload.
type Update struct {
	JobID  uint32
	Status Status
}

// Listing is one record of a JOB_LIST_ALL_RESP payload. The wire carries a
// countdown field after the job id; the codec synthesizes it from the slice
// position so a decoded response is simply []Listing.
type Listing struct {
	JobID    uint32
	Cmdline  string
	Status   Status
	ExitCode int32
}

// Results is the JOB_RESULTS payload.
type Results struct {
	Content []byte
}

// Send writes exactly one frame to w. The payload must match the tag:
// nil for ACK/NACK/JOB_LIST_ALL, the corresponding payload struct otherwise
// ([]Listing for JOB_LIST_ALL_RESP). Any write error means the stream is
// unusable and the connection must be dropped.
func Send(w io.Writer, tag Tag, payload interface{}) error {
	e := encoder{w: w}
	e.byte(byte(tag))

	switch tag {
	case TagAck, TagNack, TagJobListAll:
		if payload != nil {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}

	case TagLogin:
		p, ok := payload.(Login)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.str(p.Name)

	case TagJobSubmit:
		p, ok := payload.(Submission)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.u32(p.MaxCPU)
		e.u32(p.MaxMem)
		e.i32(p.Priority)
		e.str(p.Cmdline)
		e.u32(uint32(len(p.Env)))
		for _, v := range p.Env {
			e.str(v)
		}

	case TagJobStatus, TagJobGetStdout, TagJobGetStderr, TagJobExpunge, TagJobSubmitSuccess:
		p, ok := payload.(JobRef)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.u32(p.JobID)

	case TagJobSignal:
		p, ok := payload.(Signal)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.u32(p.JobID)
		e.u32(p.Signal)

	case TagJobSetPri:
		p, ok := payload.(Priority)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.u32(p.JobID)
		e.i32(p.Priority)

	case TagJobStatusResp:
		p, ok := payload.(StatusResp)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.u32(uint32(p.Status))
		e.i32(p.ExitCode)
		e.u32(p.MaxCPU)
		e.u32(p.MaxMem)
		e.i32(p.Priority)
		e.rusage(p.Rusage)

	case TagJobUpdate:
		p, ok := payload.(Update)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.u32(p.JobID)
		e.u32(uint32(p.Status))

	case TagJobListAllResp:
		p, ok := payload.([]Listing)
		if !ok || len(p) == 0 {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		for i, l := range p {
			e.u32(l.JobID)
			e.u32(uint32(len(p) - i - 1)) // records left after this one
			e.str(l.Cmdline)
			e.u32(uint32(l.Status))
			e.i32(l.ExitCode)
		}

	case TagJobResults:
		p, ok := payload.(Results)
		if !ok {
			return fmt.Errorf("%w; tag: %s", ErrBadPayload, tag)
		}
		e.bytes(p.Content)

	default:
		return fmt.Errorf("%w; tag: %d", ErrUnknownTag, byte(tag))
	}

	return e.err
}

// Receive reads exactly one frame from r and returns its tag and decoded
// payload. EOF before the tag byte is reported as ErrDisconnected; every
// other failure leaves the stream desynchronized and the caller must close
// the connection.
func Receive(r io.Reader) (Tag, interface{}, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, nil, ErrDisconnected
		}
		return 0, nil, fmt.Errorf("read frame tag; error: %w", err)
	}

	d := decoder{r: r}
	tag := Tag(b[0])

	switch tag {
	case TagAck, TagNack, TagJobListAll:
		return tag, nil, nil

	case TagLogin:
		p := Login{Name: d.str()}
		return tag, p, d.err

	case TagJobSubmit:
		var p Submission
		p.MaxCPU = d.u32()
		p.MaxMem = d.u32()
		p.Priority = d.i32()
		p.Cmdline = d.str()
		envc := d.u32()
		if d.err == nil && envc > maxFieldLen {
			d.err = fmt.Errorf("environment count %d exceeds limit", envc)
		}
		for i := uint32(0); i < envc && d.err == nil; i++ {
			p.Env = append(p.Env, d.str())
		}
		return tag, p, d.err

	case TagJobStatus, TagJobGetStdout, TagJobGetStderr, TagJobExpunge, TagJobSubmitSuccess:
		p := JobRef{JobID: d.u32()}
		return tag, p, d.err

	case TagJobSignal:
		var p Signal
		p.JobID = d.u32()
		p.Signal = d.u32()
		return tag, p, d.err

	case TagJobSetPri:
		var p Priority
		p.JobID = d.u32()
		p.Priority = d.i32()
		return tag, p, d.err

	case TagJobStatusResp:
		var p StatusResp
		p.Status = Status(d.u32())
		p.ExitCode = d.i32()
		p.MaxCPU = d.u32()
		p.MaxMem = d.u32()
		p.Priority = d.i32()
		p.Rusage = d.rusage()
		return tag, p, d.err

	case TagJobUpdate:
		var p Update
		p.JobID = d.u32()
		p.Status = Status(d.u32())
		return tag, p, d.err

	case TagJobListAllResp:
		var listings []Listing
		for {
			var l Listing
			l.JobID = d.u32()
			left := d.u32()
			l.Cmdline = d.str()
			l.Status = Status(d.u32())
			l.ExitCode = d.i32()
			if d.err != nil {
				return tag, nil, d.err
			}
			listings = append(listings, l)
			if left == 0 {
				break
			}
		}
		return tag, listings, nil

	case TagJobResults:
		p := Results{Content: d.bytes()}
		return tag, p, d.err

	default:
		return tag, nil, fmt.Errorf("%w; tag: %d", ErrUnknownTag, b[0])
	}
}

// encoder accumulates the first write error and turns the remaining calls
// into no-ops, so Send bodies read as straight-line field lists.
type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(b []byte) {
	if e.err != nil {
		return
	}
	if _, err := e.w.Write(b); err != nil {
		e.err = fmt.Errorf("write frame; error: %w", err)
	}
}

func (e *encoder) byte(b byte) {
	e.write([]byte{b})
}

func (e *encoder) u32(v uint32) {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], v)
	e.write(b[:])
}

func (e *encoder) i32(v int32) {
	e.u32(uint32(v))
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.write([]byte(s))
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.write(b)
}

func (e *encoder) rusage(ru Rusage) {
	e.u32(ru.UtimeSec)
	e.u32(ru.UtimeUsec)
	e.u32(ru.StimeSec)
	e.u32(ru.StimeUsec)
	e.u32(ru.MaxRSS)
}

// decoder mirrors encoder for reads.
type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(b []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, b); err != nil {
		d.err = fmt.Errorf("read frame payload; error: %w", err)
	}
}

func (d *decoder) u32() uint32 {
	var b [4]byte
	d.read(b[:])
	if d.err != nil {
		return 0
	}
	return binary.NativeEndian.Uint32(b[:])
}

func (d *decoder) i32() int32 {
	return int32(d.u32())
}

func (d *decoder) str() string {
	return string(d.bytes())
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	if d.err != nil {
		return nil
	}
	if n > maxFieldLen {
		d.err = fmt.Errorf("field length %d exceeds limit", n)
		return nil
	}
	b := make([]byte, n)
	d.read(b)
	if d.err != nil {
		return nil
	}
	return b
}

func (d *decoder) rusage() Rusage {
	var ru Rusage
	ru.UtimeSec = d.u32()
	ru.UtimeUsec = d.u32()
	ru.StimeSec = d.u32()
	ru.StimeUsec = d.u32()
	ru.MaxRSS = d.u32()
	return ru
}
