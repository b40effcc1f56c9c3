// Package sink implements the output sink: the single consumer that
// drains envelopes from every worker and is the sole writer to
// stdout/stderr/log files, keeping interleaved output from N producers
// line-atomic.
package sink

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Verbosity mirrors the verbose/debug CLI surface.
type Verbosity int

// Envelope is the sink's wire format:
// <verbosity>|<debug>|<origin>|<text>.
type Envelope struct {
	Verbosity Verbosity
	Debug     int
	Origin    string
	Text      string
	At        time.Time
}

func (e Envelope) String() string {
	return fmt.Sprintf("%d|%d|%s|%s", e.Verbosity, e.Debug, e.Origin, e.Text)
}

// Sink owns an unbounded, mutex+cond guarded backlog (never blocking a
// producer indefinitely) and a single goroutine that drains it to its
// writers.
type Sink struct {
	mtx   sync.Mutex
	cond  *sync.Cond
	queue []Envelope
	closed bool

	console  io.Writer
	logFile  io.Writer
	errFile  io.Writer
	verbose  int
	debug    int

	depth prometheus.Gauge

	wg sync.WaitGroup
}

type Config struct {
	Console io.Writer
	LogFile io.Writer // nil disables file logging (the "no-logfiles" flag)
	ErrFile io.Writer
	Verbose int
	Debug   int
}

func New(cfg Config) *Sink {
	s := &Sink{
		console: cfg.Console,
		logFile: cfg.LogFile,
		errFile: cfg.ErrFile,
		verbose: cfg.Verbose,
		debug:   cfg.Debug,
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentryflow_sink_queue_depth",
			Help: "Number of envelopes currently backlogged in the output sink.",
		}),
	}
	s.cond = sync.NewCond(&s.mtx)
	s.wg.Add(1)
	go s.run()
	return s
}

// Gauge exposes the backlog pressure gauge.
func (s *Sink) Gauge() prometheus.Gauge { return s.depth }

// Push enqueues env without ever blocking the caller.
func (s *Sink) Push(env Envelope) {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return
	}
	s.queue = append(s.queue, env)
	s.depth.Set(float64(len(s.queue)))
	s.mtx.Unlock()
	s.cond.Signal()
}

// WriteLog implements slog.Relay so worker log lines can also flow
// through the shared sink queue.
func (s *Sink) WriteLog(at time.Time, line []byte) error {
	s.Push(Envelope{Verbosity: 0, Origin: "log", Text: string(line), At: at})
	return nil
}

func (s *Sink) run() {
	defer s.wg.Done()
	for {
		s.mtx.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mtx.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		s.depth.Set(float64(len(s.queue)))
		s.mtx.Unlock()

		s.deliver(env)
	}
}

func (s *Sink) deliver(env Envelope) {
	shown := int(env.Verbosity) <= s.verbose || (env.Debug > 0 && env.Debug <= s.debug)
	if !shown {
		return
	}
	line := env.String()
	if s.console != nil {
		fmt.Fprintln(s.console, line)
	}
	if s.logFile != nil {
		fmt.Fprintln(s.logFile, line)
	}
	if env.Origin == "error" && s.errFile != nil {
		fmt.Fprintln(s.errFile, line)
	}
}

// Close stops accepting new envelopes, drains whatever remains, and
// waits for the drain goroutine to exit.
func (s *Sink) Close() {
	s.mtx.Lock()
	s.closed = true
	s.mtx.Unlock()
	s.cond.Signal()
	s.wg.Wait()
}
