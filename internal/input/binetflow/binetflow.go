// Package binetflow parses argus-style binetflow CSV exports, one of
// the directly supported streaming line formats.
//
// Expected header (argus ra -c default):
//
//	StartTime,Dur,Proto,SrcAddr,Sport,Dir,DstAddr,Dport,State,sTos,dTos,TotPkts,TotBytes,SrcBytes,Label
package binetflow

import (
	"bufio"
	"context"
	"encoding/csv"
	"io"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
)

func init() {
	input.Register(input.KindBinetflow, func(d input.Descriptor) (input.Source, error) {
		return &Source{path: d.PathOrStream}, nil
	})
}

type Source struct {
	path string
}

var columnIndex = map[string]int{
	"StartTime": 0, "Dur": 1, "Proto": 2, "SrcAddr": 3, "Sport": 4,
	"Dir": 5, "DstAddr": 6, "Dport": 7, "State": 8,
	"sTos": 9, "dTos": 10, "TotPkts": 11, "TotBytes": 12, "SrcBytes": 13, "Label": 14,
}

func (s *Source) Run(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	return Parse(ctx, f, out, errs)
}

// Parse reads binetflow CSV rows from r, in source order: per input
// source, flow records reach the profiler in source order.
func Parse(ctx context.Context, r io.Reader, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	br := bufio.NewReaderSize(r, 1<<20)
	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	} else if err != nil {
		return err
	}
	idx := buildIndex(header)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		row, err := cr.Read()
		if err == io.EOF {
			return nil
		} else if err != nil {
			errs.Incr()
			continue
		}

		rec, perr := rowToRecord(row, idx)
		if perr != nil {
			errs.Incr()
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// DefaultHeader is the standard argus `ra -c` column order, used to
// parse a single CSV row with no header line of its own (e.g. one
// stdin line tagged line_type=argus).
var DefaultHeader = []string{
	"StartTime", "Dur", "Proto", "SrcAddr", "Sport", "Dir", "DstAddr",
	"Dport", "State", "sTos", "dTos", "TotPkts", "TotBytes", "SrcBytes", "Label",
}

// ParseRow parses one already-split CSV row using idx (build one with
// buildIndex(DefaultHeader) for a headerless single line).
func ParseRow(row []string, idx map[string]int) (*flow.Record, error) {
	return rowToRecord(row, idx)
}

// BuildIndex exposes buildIndex for callers outside this package (the
// stdin input wraps single argus lines with no header of their own).
func BuildIndex(header []string) map[string]int { return buildIndex(header) }

func buildIndex(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	return idx
}

func field(row []string, idx map[string]int, name string) (string, bool) {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return "", false
	}
	return strings.TrimSpace(row[i]), true
}

func rowToRecord(row []string, idx map[string]int) (*flow.Record, error) {
	ts, _ := field(row, idx, "StartTime")
	durStr, _ := field(row, idx, "Dur")
	proto, _ := field(row, idx, "Proto")
	srcAddr, _ := field(row, idx, "SrcAddr")
	sport, _ := field(row, idx, "Sport")
	dstAddr, _ := field(row, idx, "DstAddr")
	dport, _ := field(row, idx, "Dport")
	state, _ := field(row, idx, "State")
	totPkts, _ := field(row, idx, "TotPkts")
	totBytes, _ := field(row, idx, "TotBytes")
	srcBytes, _ := field(row, idx, "SrcBytes")

	t, err := parseTimestamp(ts)
	if err != nil {
		return nil, err
	}

	src, err := toEndpoint(srcAddr, sport)
	if err != nil {
		return nil, err
	}
	dst, err := toEndpoint(dstAddr, dport)
	if err != nil {
		return nil, err
	}

	durF, _ := strconv.ParseFloat(durStr, 64)
	if durF < 0 {
		return nil, flow.ErrNegativeCounts
	}

	tp, _ := strconv.ParseUint(totPkts, 10, 64)
	tb, _ := strconv.ParseUint(totBytes, 10, 64)
	sb, _ := strconv.ParseUint(srcBytes, 10, 64)
	if sb > tb {
		sb = tb
	}
	dstBytes := tb - sb

	rec := &flow.Record{
		Source:   "binetflow",
		TS:       t,
		Src:      src,
		Dst:      dst,
		Proto:    transportFromString(proto),
		Duration: time.Duration(durF * float64(time.Second)),
		State:    state,
		SrcCounters: flow.Counters{Bytes: sb, Packets: tp},
		DstCounters: flow.Counters{Bytes: dstBytes},
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func toEndpoint(addr, port string) (flow.Endpoint, error) {
	var ep flow.Endpoint
	if addr == "" {
		return ep, nil
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return ep, err
	}
	ep.Addr = a
	if port != "" {
		if p, err := strconv.ParseUint(strings.TrimPrefix(port, "0x"), 10, 16); err == nil {
			ep.Port = uint16(p)
		}
	}
	return ep, nil
}

func transportFromString(s string) flow.Transport {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tcp":
		return flow.TransportTCP
	case "udp":
		return flow.TransportUDP
	case "icmp", "icmp6", "igmp":
		return flow.TransportICMP
	case "arp":
		return flow.TransportARP
	}
	return flow.TransportOther
}

var tsLayouts = []string{
	"2006/01/02 15:04:05.000000",
	"2006-01-02 15:04:05.000000",
	time.RFC3339,
}

func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, flow.ErrNoEndpoint
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(f)
		nsec := int64((f - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	for _, layout := range tsLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: "binetflow timestamp", Value: s}
}
