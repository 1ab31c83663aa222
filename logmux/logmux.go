// Package logmux implements the job runner's log multiplexer: a single
// poll loop draining child stdout/stderr plus a dynamic set of log FIFOs
// and routing line-framed output into the job logger. See spec.md §4.4
// for the full contract this package implements.
package logmux

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/hashdist/jobrunner/logging"
)

// BufSize is the fixed read chunk size used throughout the multiplexer.
const BufSize = 4096

// pollTimeoutMillis is the poll() timeout; needed because termination of
// the child is not guaranteed to interrupt poll, and because a child may
// write to a FIFO and exit before that FIFO has fully drained.
const pollTimeoutMillis = 50

// Sink receives raw bytes bypassing line-framing, used for the captured
// stdout case (to_var / append_to_file).
type Sink interface {
	io.Writer
}

// Source describes one fd registered with the multiplexer.
type Source struct {
	Fd     int
	Logger logging.Logger
	Level  logging.Level

	// IsFIFO marks a source as a log FIFO, which is reopened rather
	// than deregistered on EOF (POLLHUP without POLLIN).
	IsFIFO bool
	Path   string // FIFO path, used for reopening
}

type fdState struct {
	src    Source
	buf    bytes.Buffer
	closed bool
}

// Multiplexer drains a child's stdout/stderr plus any number of log
// FIFOs until the child exits and a poll cycle yields no events.
type Multiplexer struct {
	states map[int]*fdState
	fds    []int // stable iteration order for poll registration

	stdoutFd     int
	stderrFd     int
	captureStdout bool
	captureSink  io.Writer
}

// New creates a Multiplexer for a child's stdout/stderr, plus initial
// FIFO sources. If captureSink is non-nil, bytes read from stdoutFd
// bypass line framing and are forwarded verbatim to it.
func New(stdoutFd, stderrFd int, stdoutLogger, stderrLogger logging.Logger, fifos []Source, captureSink io.Writer) *Multiplexer {
	m := &Multiplexer{
		states:        map[int]*fdState{},
		stdoutFd:      stdoutFd,
		stderrFd:      stderrFd,
		captureStdout: captureSink != nil,
		captureSink:   captureSink,
	}
	m.register(Source{Fd: stdoutFd, Logger: stdoutLogger, Level: logging.Debug})
	m.register(Source{Fd: stderrFd, Logger: stderrLogger, Level: logging.Debug})
	for _, f := range fifos {
		m.register(f)
	}
	return m
}

func (m *Multiplexer) register(src Source) {
	m.states[src.Fd] = &fdState{src: src}
	m.fds = append(m.fds, src.Fd)
}

func (m *Multiplexer) unregister(fd int) {
	delete(m.states, fd)
	for i, f := range m.fds {
		if f == fd {
			m.fds = append(m.fds[:i], m.fds[i+1:]...)
			break
		}
	}
}

// childStatus reports whether the supervised child has exited, polled by
// the multiplexer (procrun answers it from a flag set by the goroutine
// blocked in cmd.Wait).
type childStatus func() (exited bool)

// Run drains all registered sources until isChildDone reports the child
// has exited and one full poll cycle produces no events. It returns the
// first error encountered while reading (I/O errors only; the caller is
// responsible for surfacing a non-zero exit code separately).
func (m *Multiplexer) Run(isChildDone childStatus) error {
	for {
		events, err := m.poll()
		if err != nil {
			return errors.Wrap(err, "polling log sources")
		}
		if len(events) == 0 {
			if isChildDone() {
				break
			}
			continue
		}
		for _, ev := range events {
			if err := m.handleEvent(ev); err != nil {
				return err
			}
		}
	}
	m.flushAll()
	return nil
}

type pollEvent struct {
	fd       int
	pollin   bool
	pollhup  bool
}

func (m *Multiplexer) poll() ([]pollEvent, error) {
	if len(m.fds) == 0 {
		time.Sleep(pollTimeoutMillis * time.Millisecond)
		return nil, nil
	}
	pfds := make([]unix.PollFd, len(m.fds))
	for i, fd := range m.fds {
		pfds[i] = unix.PollFd{Fd: int32(fd), Events: unix.POLLIN}
	}
	n, err := unix.Poll(pfds, pollTimeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	var events []pollEvent
	for _, pfd := range pfds {
		if pfd.Revents == 0 {
			continue
		}
		events = append(events, pollEvent{
			fd:      int(pfd.Fd),
			pollin:  pfd.Revents&unix.POLLIN != 0,
			pollhup: pfd.Revents&unix.POLLHUP != 0,
		})
	}
	return events, nil
}

func (m *Multiplexer) handleEvent(ev pollEvent) error {
	state, ok := m.states[ev.fd]
	if !ok {
		return nil
	}

	if ev.pollhup && !ev.pollin {
		m.flush(state)
		if state.src.IsFIFO {
			return m.reopenFIFO(state)
		}
		// Child stdout/stderr pipe fds are owned by os/exec (it closes
		// the read end once cmd.Wait sees the process exit); only
		// deregister here, don't close, or we risk a double close that
		// can reclaim the fd number out from under a concurrently
		// reopened FIFO.
		m.unregister(ev.fd)
		return nil
	}

	if ev.pollin {
		if m.captureStdout && ev.fd == m.stdoutFd {
			buf := make([]byte, BufSize)
			n, err := unix.Read(ev.fd, buf)
			if err != nil && err != unix.EAGAIN {
				return errors.Wrap(err, "reading captured stdout")
			}
			if n > 0 {
				if _, werr := m.captureSink.Write(buf[:n]); werr != nil {
					return errors.Wrap(werr, "writing to capture sink")
				}
			}
			return nil
		}

		buf := make([]byte, BufSize)
		n, err := unix.Read(ev.fd, buf)
		if err != nil && err != unix.EAGAIN {
			return errors.Wrap(err, "reading log source")
		}
		if n <= 0 {
			return nil
		}
		state.buf.Write(buf[:n])
		m.emitCompleteLines(state)
	}
	return nil
}

// emitCompleteLines logs every complete (newline-terminated) line
// currently buffered for state, leaving any trailing partial line in
// the buffer for the next read.
func (m *Multiplexer) emitCompleteLines(state *fdState) {
	data := state.buf.Bytes()
	lastNL := bytes.LastIndexByte(data, '\n')
	if lastNL == -1 {
		return
	}
	complete := data[:lastNL+1]
	rest := make([]byte, len(data)-(lastNL+1))
	copy(rest, data[lastNL+1:])

	for _, line := range bytes.SplitAfter(complete, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		state.src.Logger.Log(state.src.Level, string(bytes.TrimSuffix(line, []byte("\n"))))
	}

	state.buf.Reset()
	state.buf.Write(rest)
}

// flush logs any trailing partial line left in state's buffer (used at
// EOF, when no terminating newline will ever arrive).
func (m *Multiplexer) flush(state *fdState) {
	if state.closed {
		return
	}
	if state.buf.Len() > 0 {
		state.src.Logger.Log(state.src.Level, state.buf.String())
		state.buf.Reset()
	}
}

// flushAll logs every source's trailing partial line, then closes any
// FIFO reader fds still registered. FIFO fds are opened fresh per child
// by Registry.OpenAll and are owned by the Multiplexer, unlike the
// child's stdout/stderr pipes (owned by os/exec); leaving them open here
// would leak one fd per child invocation.
func (m *Multiplexer) flushAll() {
	for _, fd := range append([]int{}, m.fds...) {
		if state, ok := m.states[fd]; ok {
			m.flush(state)
			if state.src.IsFIFO {
				unix.Close(fd)
			}
		}
	}
}

// reopenFIFO closes the current fd and reopens the FIFO at the same
// path, non-blocking at open time then switched to blocking reads, so
// the next writer is captured. See spec.md §4.4/§9.
func (m *Multiplexer) reopenFIFO(state *fdState) error {
	oldFd := state.src.Fd
	unix.Close(oldFd)
	m.unregister(oldFd)

	newFd, err := OpenFIFOReader(state.src.Path)
	if err != nil {
		return errors.Wrapf(err, "reopening log fifo %s", state.src.Path)
	}
	state.src.Fd = newFd
	state.buf.Reset()
	m.register(state.src)
	return nil
}

// OpenFIFOReader opens path for reading in non-blocking mode (so the
// open call itself does not stall until a writer appears), then clears
// the non-blocking flag so subsequent reads behave like ordinary
// blocking pipe reads, giving the poll loop one uniform read path for
// both FIFOs and child pipes.
func OpenFIFOReader(path string) (int, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	if err != nil {
		return -1, errors.Wrapf(err, "opening fifo %s", path)
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "getting fifo flags")
	}
	flags &^= unix.O_NONBLOCK
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "clearing fifo non-blocking flag")
	}
	return fd, nil
}

// CreateFIFO creates a FIFO at path with mode 0600, matching spec.md's
// FIFO layout requirement.
func CreateFIFO(path string) error {
	if err := unix.Mkfifo(path, 0o600); err != nil && !os.IsExist(err) {
		return errors.Wrapf(err, "creating fifo %s", path)
	}
	return nil
}

// registryKey identifies one log FIFO by heading and level, matching the
// (heading, level) -> fifo_path map in spec.md §3.
type registryKey struct {
	heading string
	level   logging.Level
}

// Registry tracks log FIFOs across the whole job run (spec.md's
// log_fifo_registry): FIFOs are created lazily on first use and their
// paths persist until the executor tears down, but each child process
// gets a fresh reader fd opened against the same path.
type Registry struct {
	tempDir string
	paths   map[registryKey]string
}

// NewRegistry creates a Registry rooted at tempDir.
func NewRegistry(tempDir string) *Registry {
	return &Registry{tempDir: tempDir, paths: map[registryKey]string{}}
}

// GetOrCreate returns the FIFO path for (heading, level), creating the
// FIFO on disk the first time this pair is seen.
func (r *Registry) GetOrCreate(heading string, level logging.Level) (string, error) {
	key := registryKey{heading, level}
	if path, ok := r.paths[key]; ok {
		return path, nil
	}
	path := r.tempDir + "/logpipe-" + heading + "-" + level.String()
	if err := CreateFIFO(path); err != nil {
		return "", err
	}
	r.paths[key] = path
	return path, nil
}

// OpenAll opens a fresh non-blocking-then-blocking reader fd for every
// FIFO registered so far, for use by the next child's Multiplexer.
// Callers must close the returned fds (the Multiplexer does so as part
// of its normal teardown).
func (r *Registry) OpenAll(loggerFor func(heading string) logging.Logger) ([]Source, error) {
	var sources []Source
	for key, path := range r.paths {
		fd, err := OpenFIFOReader(path)
		if err != nil {
			for _, s := range sources {
				unix.Close(s.Fd)
			}
			return nil, err
		}
		sources = append(sources, Source{
			Fd:     fd,
			Logger: loggerFor(key.heading),
			Level:  key.level,
			IsFIFO: true,
			Path:   path,
		})
	}
	return sources, nil
}
