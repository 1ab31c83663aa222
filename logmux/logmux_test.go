package logmux

import (
	"bytes"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashdist/jobrunner/logging"
)

type recordingLogger struct {
	lines *[]string
}

func newRecordingLogger() (logging.Logger, *[]string) {
	lines := &[]string{}
	return recordingLogger{lines: lines}, lines
}

func (r recordingLogger) Debug(msg string)   { *r.lines = append(*r.lines, msg) }
func (r recordingLogger) Info(msg string)    { *r.lines = append(*r.lines, msg) }
func (r recordingLogger) Warning(msg string) { *r.lines = append(*r.lines, msg) }
func (r recordingLogger) Error(msg string)   { *r.lines = append(*r.lines, msg) }
func (r recordingLogger) Log(level logging.Level, msg string) {
	*r.lines = append(*r.lines, msg)
}
func (r recordingLogger) SetLevel(logging.Level)          {}
func (r recordingLogger) GetLevel() logging.Level         { return logging.Debug }
func (r recordingLogger) GetSubLogger(name string) logging.Logger { return r }

func TestLineFraming(t *testing.T) {
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}

	outLogger, outLines := newRecordingLogger()
	errLogger, errLines := newRecordingLogger()

	mux := New(int(outR.Fd()), int(errR.Fd()), outLogger, errLogger, nil, nil)

	var done atomic.Bool
	go func() {
		outW.Write([]byte("hello\nworld"))
		errW.Write([]byte("oops\n"))
		time.Sleep(100 * time.Millisecond)
		outW.Close()
		errW.Close()
		done.Store(true)
	}()

	if err := mux.Run(func() bool { return done.Load() }); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(*outLines) < 2 || (*outLines)[0] != "hello" || (*outLines)[1] != "world" {
		t.Errorf("stdout lines = %v", *outLines)
	}
	if len(*errLines) != 1 || (*errLines)[0] != "oops" {
		t.Errorf("stderr lines = %v", *errLines)
	}
}

func TestCaptureStdoutBypassesFraming(t *testing.T) {
	outR, outW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	outLogger, _ := newRecordingLogger()
	errLogger, _ := newRecordingLogger()

	var captured bytes.Buffer
	mux := New(int(outR.Fd()), int(errR.Fd()), outLogger, errLogger, nil, &captured)

	var done atomic.Bool
	go func() {
		outW.Write([]byte("raw-bytes-no-newline"))
		time.Sleep(100 * time.Millisecond)
		outW.Close()
		errW.Close()
		done.Store(true)
	}()

	if err := mux.Run(func() bool { return done.Load() }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if captured.String() != "raw-bytes-no-newline" {
		t.Errorf("captured = %q", captured.String())
	}
}

func TestFIFORoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/logpipe-MYHEAD-INFO"
	if err := CreateFIFO(path); err != nil {
		t.Fatal(err)
	}

	fifoFd, err := OpenFIFOReader(path)
	if err != nil {
		t.Fatal(err)
	}

	outR, outW, _ := os.Pipe()
	errR, errW, _ := os.Pipe()
	outLogger, _ := newRecordingLogger()
	errLogger, _ := newRecordingLogger()
	fifoLogger, fifoLines := newRecordingLogger()

	mux := New(int(outR.Fd()), int(errR.Fd()), outLogger, errLogger, []Source{
		{Fd: fifoFd, Logger: fifoLogger, Level: logging.Info, IsFIFO: true, Path: path},
	}, nil)

	var done atomic.Bool
	go func() {
		outW.Close()
		errW.Close()
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		if err == nil {
			w.Write([]byte("hello\n"))
			w.Close()
		}
		time.Sleep(150 * time.Millisecond)
		done.Store(true)
	}()

	if err := mux.Run(func() bool { return done.Load() }); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(*fifoLines) != 1 || (*fifoLines)[0] != "hello" {
		t.Errorf("fifo lines = %v", *fifoLines)
	}
}
