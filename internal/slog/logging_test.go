package slog

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type bufCloser struct {
	mtx sync.Mutex
	buf bytes.Buffer
}

func (b *bufCloser) Write(p []byte) (int, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.Write(p)
}
func (b *bufCloser) Close() error { return nil }
func (b *bufCloser) String() string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.buf.String()
}

func TestLevelFromStringRoundTrips(t *testing.T) {
	cases := map[string]Level{
		"debug": DEBUG, "INFO": INFO, "Warn": WARN, "warning": WARN,
		"error": ERROR, "critical": CRITICAL, "fatal": FATAL, "off": OFF,
	}
	for s, want := range cases {
		lvl, err := LevelFromString(s)
		require.NoError(t, err)
		require.Equal(t, want, lvl)
	}
	_, err := LevelFromString("bogus")
	require.ErrorIs(t, err, ErrInvalidLevel)
}

func TestOutputSkipsMessagesBelowConfiguredLevel(t *testing.T) {
	buf := &bufCloser{}
	lg := New(buf)
	require.NoError(t, lg.SetLevel(ERROR))

	require.NoError(t, lg.Info("should not appear"))
	require.NoError(t, lg.Error("should appear"))

	out := buf.String()
	require.NotContains(t, out, "should not appear")
	require.Contains(t, out, "should appear")
}

func TestOutputIncludesAppnameAndFields(t *testing.T) {
	buf := &bufCloser{}
	lg := New(buf)
	lg.SetAppname("sentryflow")

	require.NoError(t, lg.Info("starting up", KV("input_kind", "pcap")))

	out := buf.String()
	require.Contains(t, out, "sentryflow")
	require.Contains(t, out, "starting up")
	require.Contains(t, out, `input_kind="pcap"`)
}

func TestKVErrHandlesNilError(t *testing.T) {
	sd := KVErr(nil)
	require.Equal(t, "<nil>", sd.Value)
}

func TestAddWriterRejectsNil(t *testing.T) {
	lg := New(&bufCloser{})
	require.Error(t, lg.AddWriter(nil))
}

func TestAddWriterFansOutToMultipleWriters(t *testing.T) {
	b1, b2 := &bufCloser{}, &bufCloser{}
	lg := New(b1)
	require.NoError(t, lg.AddWriter(b2))

	require.NoError(t, lg.Info("hello"))
	require.True(t, strings.Contains(b1.String(), "hello"))
	require.True(t, strings.Contains(b2.String(), "hello"))
}

type captureRelay struct {
	mtx  sync.Mutex
	line []byte
}

func (c *captureRelay) WriteLog(_ time.Time, line []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.line = append([]byte(nil), line...)
	return nil
}

func TestAddRelayReceivesLogLines(t *testing.T) {
	lg := New(&bufCloser{})
	relay := &captureRelay{}
	require.NoError(t, lg.AddRelay(relay))

	require.NoError(t, lg.Warn("relayed"))
	relay.mtx.Lock()
	defer relay.mtx.Unlock()
	require.Contains(t, string(relay.line), "relayed")
}

func TestNewDiscardSwallowsEverything(t *testing.T) {
	lg := NewDiscard()
	require.NoError(t, lg.Info("anything"))
}
