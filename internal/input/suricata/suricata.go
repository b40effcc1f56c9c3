// Package suricata parses Suricata eve.json flow lines, one of the
// directly supported streaming line formats. Only event_type=="flow"
// lines become flow records; every other event type is skipped without
// incrementing the error counter (it is not a parse failure, just not
// a flow).
package suricata

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
)

func init() {
	input.Register(input.KindSuricata, func(d input.Descriptor) (input.Source, error) {
		return &Source{path: d.PathOrStream}, nil
	})
}

type Source struct {
	path string
}

func (s *Source) Run(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Parse(ctx, f, out, errs)
}

type eveLine struct {
	Timestamp string `json:"timestamp"`
	EventType string `json:"event_type"`
	SrcIP     string `json:"src_ip"`
	SrcPort   int    `json:"src_port"`
	DestIP    string `json:"dest_ip"`
	DestPort  int    `json:"dest_port"`
	Proto     string `json:"proto"`
	Flow      *struct {
		PktsToServer  uint64 `json:"pkts_toserver"`
		PktsToClient  uint64 `json:"pkts_toclient"`
		BytesToServer uint64 `json:"bytes_toserver"`
		BytesToClient uint64 `json:"bytes_toclient"`
		Start         string `json:"start"`
		End           string `json:"end"`
		State         string `json:"state"`
	} `json:"flow"`
}

func Parse(ctx context.Context, r io.Reader, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for sc.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev eveLine
		if err := json.Unmarshal(line, &ev); err != nil {
			errs.Incr()
			continue
		}
		if ev.EventType != "flow" {
			continue // not a parse error: a non-flow eve event
		}
		rec, err := toRecord(ev)
		if err != nil {
			errs.Incr()
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.Err()
}

// ParseLine parses a single eve.json line into a flow.Record; returns
// (nil, nil) for a well-formed non-flow event (not an error).
func ParseLine(line []byte) (*flow.Record, error) {
	var ev eveLine
	if err := json.Unmarshal(line, &ev); err != nil {
		return nil, err
	}
	if ev.EventType != "flow" {
		return nil, nil
	}
	return toRecord(ev)
}

func toRecord(ev eveLine) (*flow.Record, error) {
	t, err := time.Parse(time.RFC3339, ev.Timestamp)
	if err != nil {
		return nil, err
	}
	src, err := toEndpoint(ev.SrcIP, ev.SrcPort)
	if err != nil {
		return nil, err
	}
	dst, err := toEndpoint(ev.DestIP, ev.DestPort)
	if err != nil {
		return nil, err
	}
	rec := &flow.Record{
		Source: "suricata",
		TS:     t,
		Src:    src,
		Dst:    dst,
		Proto:  transportFromString(ev.Proto),
	}
	if ev.Flow != nil {
		rec.SrcCounters = flow.Counters{Bytes: ev.Flow.BytesToServer, Packets: ev.Flow.PktsToServer}
		rec.DstCounters = flow.Counters{Bytes: ev.Flow.BytesToClient, Packets: ev.Flow.PktsToClient}
		rec.State = ev.Flow.State
		if start, err := time.Parse(time.RFC3339, ev.Flow.Start); err == nil {
			if end, err := time.Parse(time.RFC3339, ev.Flow.End); err == nil && end.After(start) {
				rec.Duration = end.Sub(start)
			}
		}
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func toEndpoint(addr string, port int) (flow.Endpoint, error) {
	var ep flow.Endpoint
	if addr == "" {
		return ep, nil
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return ep, err
	}
	ep.Addr = a
	if port > 0 && port <= 65535 {
		ep.Port = uint16(port)
	}
	return ep, nil
}

func transportFromString(s string) flow.Transport {
	switch s {
	case "TCP":
		return flow.TransportTCP
	case "UDP":
		return flow.TransportUDP
	case "ICMP":
		return flow.TransportICMP
	}
	return flow.TransportOther
}
