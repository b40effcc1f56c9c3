// Package profiler implements the profiler stage: aggregating flow
// records into per-host, per-time-window profiles and publishing
// new_flow/new_tw on the channel fabric.
package profiler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowsentinel/sentryflow/internal/channels"
	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/slog"
)

// Direction selects which endpoint(s) a flow updates a profile for.
type Direction int

const (
	// DirectionSrc updates only the source host's profile (default).
	DirectionSrc Direction = iota
	// DirectionAll updates both source and destination profiles,
	// roughly doubling the profile count.
	DirectionAll
)

// HostID keys a Profile: an address plus an optional VLAN tag.
type HostID struct {
	Addr netip.Addr
	VLAN uint16 // 0 == no VLAN
}

func (h HostID) String() string {
	if h.VLAN != 0 {
		return fmt.Sprintf("%s@vlan%d", h.Addr, h.VLAN)
	}
	return h.Addr.String()
}

// DestKey identifies one per-destination tuple accumulated within a
// Window.
type DestKey struct {
	Addr  netip.Addr
	Port  uint16
	Proto flow.Transport
}

// Aggregate is the set of summary statistics a Window keeps per
// destination tuple.
type Aggregate struct {
	FlowCount    uint64
	TotalBytes   uint64
	TotalPackets uint64
	FirstSeen    time.Time
	LastSeen     time.Time
	FlowIDs      []string
}

func (a *Aggregate) fold(r *flow.Record) {
	a.FlowCount++
	a.TotalBytes += r.TotalBytes()
	a.TotalPackets += r.TotalPackets()
	if a.FirstSeen.IsZero() || r.TS.Before(a.FirstSeen) {
		a.FirstSeen = r.TS
	}
	if r.TS.After(a.LastSeen) {
		a.LastSeen = r.TS
	}
	a.FlowIDs = append(a.FlowIDs, r.ID)
}

// Window is a fixed-width slice of a Profile's timeline.
type Window struct {
	Index  int64
	Start  time.Time
	Tuples map[DestKey]*Aggregate
}

// Profile is the cumulative behavior model for a single HostID.
// Windows is append-only and in creation order. A Window exists only
// for an index that has received a flow, so the indices can have gaps
// (flows in windows -2, 0 and 1 leave no window -1).
type Profile struct {
	Host    HostID
	RefTime time.Time // timestamp of the flow that first opened window 0
	Windows []*Window
	byIndex map[int64]*Window
}

func newProfile(host HostID, ref time.Time) *Profile {
	return &Profile{Host: host, RefTime: ref, byIndex: make(map[int64]*Window)}
}

// windowIndex computes floor((t - t0) / W).
func windowIndex(t0, t time.Time, width time.Duration) int64 {
	if width <= 0 {
		width = time.Hour
	}
	d := t.Sub(t0)
	idx := int64(d / width)
	if d%width < 0 {
		idx-- // floor division for negative remainders
	}
	return idx
}

func (p *Profile) lookupOrCreateWindow(t time.Time, width time.Duration) (*Window, bool) {
	idx := windowIndex(p.RefTime, t, width)
	if w, ok := p.byIndex[idx]; ok {
		return w, false
	}
	w := &Window{Index: idx, Start: p.RefTime.Add(time.Duration(idx) * width), Tuples: make(map[DestKey]*Aggregate)}
	p.byIndex[idx] = w
	p.Windows = append(p.Windows, w)
	return w, true
}

// Profiler consumes flow records and maintains the full set of
// in-memory profiles for process lifetime. It is the sole writer of
// this state, so its internal map needs only a mutex, not the shared
// store's single-writer-per-key convention.
type Profiler struct {
	width     time.Duration
	direction Direction
	fabric    *channels.Fabric
	lg        *slog.Logger

	mtx      sync.RWMutex
	profiles map[HostID]*Profile

	errCounter uint64
}

type Config struct {
	Width     time.Duration
	Direction Direction
	Fabric    *channels.Fabric
	Logger    *slog.Logger
}

func New(cfg Config) *Profiler {
	lg := cfg.Logger
	if lg == nil {
		lg = slog.NewDiscard()
	}
	width := cfg.Width
	if width <= 0 {
		width = time.Hour
	}
	return &Profiler{
		width:     width,
		direction: cfg.Direction,
		fabric:    cfg.Fabric,
		lg:        lg,
		profiles:  make(map[HostID]*Profile),
	}
}

// Fold implements the five folding steps for a single record: derive
// host id(s), lookup-or-create profile(s) and window(s), fold
// counters, and publish new_flow / new_tw.
func (p *Profiler) Fold(ctx context.Context, r *flow.Record) error {
	if err := r.Validate(); err != nil {
		p.mtx.Lock()
		p.errCounter++
		p.mtx.Unlock()
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}

	hosts := p.deriveHosts(r)
	for _, h := range hosts {
		p.foldInto(h, r)
	}

	if p.fabric != nil {
		payload, _ := json.Marshal(r)
		_ = p.fabric.Publish(ctx, channels.NewFlow, "profiler", "flow.Record", payload)
	}
	return nil
}

func (p *Profiler) deriveHosts(r *flow.Record) []HostID {
	var hosts []HostID
	if r.Src.IsValid() {
		hosts = append(hosts, HostID{Addr: r.Src.Addr})
	}
	if p.direction == DirectionAll && r.Dst.IsValid() {
		hosts = append(hosts, HostID{Addr: r.Dst.Addr})
	}
	if len(hosts) == 0 && r.Dst.IsValid() {
		// no valid source: fall back to the destination as the host of
		// record rather than silently dropping the flow.
		hosts = append(hosts, HostID{Addr: r.Dst.Addr})
	}
	return hosts
}

func (p *Profiler) foldInto(host HostID, r *flow.Record) {
	p.mtx.Lock()
	defer p.mtx.Unlock()

	prof, ok := p.profiles[host]
	if !ok {
		prof = newProfile(host, r.TS)
		p.profiles[host] = prof
	}

	win, created := prof.lookupOrCreateWindow(r.TS, p.width)
	key := DestKey{Addr: r.Dst.Addr, Port: r.Dst.Port, Proto: r.Proto}
	agg, ok := win.Tuples[key]
	if !ok {
		agg = &Aggregate{}
		win.Tuples[key] = agg
	}
	agg.fold(r)

	if created && p.fabric != nil {
		type twMsg struct {
			Host  string `json:"host"`
			Index int64  `json:"window_index"`
		}
		payload, _ := json.Marshal(twMsg{Host: host.String(), Index: win.Index})
		_ = p.fabric.Publish(context.Background(), channels.NewTimeWindow, "profiler", "new_tw", payload)
	}
}

// ProfileCount returns a snapshot count of known host profiles, used by
// tests and the metadata/info.txt writer.
func (p *Profiler) ProfileCount() int {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return len(p.profiles)
}

// Get returns the Profile for host, if one exists.
func (p *Profiler) Get(host HostID) (*Profile, bool) {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	pr, ok := p.profiles[host]
	return pr, ok
}

// ErrorCount reports how many records failed validation.
func (p *Profiler) ErrorCount() uint64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	return p.errCounter
}

// TotalWindowFlows sums flow counts across every profile/window/tuple,
// used to check the "no loss, no duplication" invariant.
func (p *Profiler) TotalWindowFlows() uint64 {
	p.mtx.RLock()
	defer p.mtx.RUnlock()
	var total uint64
	for _, prof := range p.profiles {
		for _, w := range prof.Windows {
			for _, agg := range w.Tuples {
				total += agg.FlowCount
			}
		}
	}
	return total
}
