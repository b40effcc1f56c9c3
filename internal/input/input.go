// Package input implements the input stage: it accepts exactly one
// input Descriptor and normalizes whatever external format that
// descriptor names into a single stream of flow.Record values on the
// profiler's queue. Sub-packages hold the format-specific parsers;
// this package holds the shared contract, error counting, and
// dispatch.
package input

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowsentinel/sentryflow/internal/flow"
)

// Kind enumerates the accepted input descriptors.
type Kind string

const (
	KindPcap       Kind = "pcap"
	KindInterface  Kind = "interface"
	KindZeekFolder Kind = "zeek_folder"
	KindZeekFile   Kind = "zeek_log_file"
	KindBinetflow  Kind = "binetflow"
	KindNfdump     Kind = "nfdump"
	KindSuricata   Kind = "suricata"
	KindStdin      Kind = "stdin"
)

// Descriptor is the single input accepted per run.
type Descriptor struct {
	Kind         Kind
	PathOrStream string
}

var ErrUnknownKind = errors.New("input: unknown descriptor kind")

// ErrorCounter tracks per-record parse failures: on a parse error,
// skip the record, increment the counter, continue. The count is also
// exposed as a prometheus.Counter via Metric, so deployments can alert on a rising
// parse-error rate the same way they watch sink queue depth.
type ErrorCounter struct {
	n   uint64
	vec prometheus.Counter
}

// NewErrorCounter builds an ErrorCounter that also feeds a prometheus
// counter; the zero value ErrorCounter{} remains valid and usable
// without one, for tests that don't need metrics wiring.
func NewErrorCounter() *ErrorCounter {
	return &ErrorCounter{
		vec: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sentryflow_input_parse_errors_total",
			Help: "Records skipped due to a parse error in the input stage.",
		}),
	}
}

func (e *ErrorCounter) Incr() {
	atomic.AddUint64(&e.n, 1)
	if e.vec != nil {
		e.vec.Inc()
	}
}
func (e *ErrorCounter) Count() uint64 { return atomic.LoadUint64(&e.n) }

// Metric exposes the prometheus counter for registration, or nil if
// this ErrorCounter was built with the zero value.
func (e *ErrorCounter) Metric() prometheus.Counter { return e.vec }

// Source is implemented by every format-specific sub-parser. Run
// fully drains (or, for interface/tailing sources, keeps tailing)
// its input, emitting flow.Record values on out, and returns once
// drained or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out chan<- *flow.Record, errs *ErrorCounter) error
}

// Factory builds the Source for one Descriptor; Build picks the
// Factory registered for d.Kind. Sub-package
// constructors are injected via the registry below so this package
// never needs to import every format parser (avoiding an import cycle
// with internal/input/pcap's optional gopacket dependency).
type Factory func(d Descriptor) (Source, error)

var registry = map[Kind]Factory{}

// Register associates a Kind with the Source constructor that handles
// it; each input/<format> sub-package calls this from an init().
func Register(k Kind, f Factory) { registry[k] = f }

// Build resolves d into a runnable Source. An unrecognized kind is a
// supervisor error.
func Build(d Descriptor) (Source, error) {
	f, ok := registry[d.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, d.Kind)
	}
	return f(d)
}
