package sink

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestPushDeliversToConsole(t *testing.T) {
	var console bytes.Buffer
	var mtx sync.Mutex
	s := New(Config{Console: &lockedWriter{&console, &mtx}, Verbose: 3})
	defer s.Close()

	s.Push(Envelope{Verbosity: 1, Origin: "test", Text: "hello"})

	waitFor(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return console.Len() > 0
	})
	mtx.Lock()
	require.Contains(t, console.String(), "hello")
	mtx.Unlock()
}

func TestDeliverFiltersByVerbosity(t *testing.T) {
	var console bytes.Buffer
	var mtx sync.Mutex
	s := New(Config{Console: &lockedWriter{&console, &mtx}, Verbose: 0, Debug: 0})
	defer s.Close()

	s.Push(Envelope{Verbosity: 5, Debug: 0, Origin: "test", Text: "should be filtered"})
	s.Push(Envelope{Verbosity: 0, Debug: 0, Origin: "test", Text: "should pass"})

	waitFor(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return console.Len() > 0
	})
	time.Sleep(20 * time.Millisecond)

	mtx.Lock()
	out := console.String()
	mtx.Unlock()
	require.Contains(t, out, "should pass")
	require.NotContains(t, out, "should be filtered")
}

func TestErrorOriginAlsoGoesToErrFile(t *testing.T) {
	var console, errFile bytes.Buffer
	var mtx sync.Mutex
	s := New(Config{
		Console: &lockedWriter{&console, &mtx},
		ErrFile: &lockedWriter{&errFile, &mtx},
		Verbose: 3,
	})
	defer s.Close()

	s.Push(Envelope{Verbosity: 0, Origin: "error", Text: "boom"})

	waitFor(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return errFile.Len() > 0
	})
	mtx.Lock()
	require.Contains(t, errFile.String(), "boom")
	mtx.Unlock()
}

func TestCloseStopsAcceptingNewEnvelopes(t *testing.T) {
	var console bytes.Buffer
	var mtx sync.Mutex
	s := New(Config{Console: &lockedWriter{&console, &mtx}, Verbose: 3})
	s.Close()

	s.Push(Envelope{Verbosity: 0, Origin: "test", Text: "after close"})
	time.Sleep(20 * time.Millisecond)

	mtx.Lock()
	defer mtx.Unlock()
	require.NotContains(t, console.String(), "after close")
}

func TestWriteLogRelaysThroughSink(t *testing.T) {
	var console bytes.Buffer
	var mtx sync.Mutex
	s := New(Config{Console: &lockedWriter{&console, &mtx}, Verbose: 3})
	defer s.Close()

	require.NoError(t, s.WriteLog(time.Now(), []byte("a log line")))

	waitFor(t, func() bool {
		mtx.Lock()
		defer mtx.Unlock()
		return console.Len() > 0
	})
	mtx.Lock()
	require.Contains(t, console.String(), "a log line")
	mtx.Unlock()
}

// lockedWriter serializes writes so the test goroutine can safely read
// the underlying buffer while the sink's drain goroutine writes to it.
type lockedWriter struct {
	buf *bytes.Buffer
	mtx *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.buf.Write(p)
}
