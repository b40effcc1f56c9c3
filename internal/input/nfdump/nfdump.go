// Package nfdump parses nfdump's CSV output (`nfdump -o csv`), one of
// the directly supported streaming line formats.
//
// Expected header:
//
//	ts,te,td,pr,sa,da,sp,dp,pkt,byt,fl
package nfdump

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
	input.Register(input.KindNfdump, func(d input.Descriptor) (input.Source, error) {
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
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}

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

func get(row []string, idx map[string]int, name string) (string, bool) {
	i, ok := idx[name]
	if !ok || i >= len(row) {
		return "", false
	}
	return strings.TrimSpace(row[i]), true
}

func rowToRecord(row []string, idx map[string]int) (*flow.Record, error) {
	ts, _ := get(row, idx, "ts")
	te, _ := get(row, idx, "te")
	pr, _ := get(row, idx, "pr")
	sa, _ := get(row, idx, "sa")
	da, _ := get(row, idx, "da")
	sp, _ := get(row, idx, "sp")
	dp, _ := get(row, idx, "dp")
	pkt, _ := get(row, idx, "pkt")
	byt, _ := get(row, idx, "byt")

	t, err := parseTime(ts)
	if err != nil {
		return nil, err
	}
	te2, terr := parseTime(te)
	var dur time.Duration
	if terr == nil && te2.After(t) {
		dur = te2.Sub(t)
	}

	src, err := toEndpoint(sa, sp)
	if err != nil {
		return nil, err
	}
	dst, err := toEndpoint(da, dp)
	if err != nil {
		return nil, err
	}

	p, _ := strconv.ParseUint(pkt, 10, 64)
	b, _ := strconv.ParseUint(byt, 10, 64)

	rec := &flow.Record{
		Source:      "nfdump",
		TS:          t,
		Src:         src,
		Dst:         dst,
		Proto:       transportFromString(pr),
		Duration:    dur,
		SrcCounters: flow.Counters{Bytes: b, Packets: p},
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
		if p, err := strconv.ParseUint(port, 10, 16); err == nil {
			ep.Port = uint16(p)
		}
	}
	return ep, nil
}

func transportFromString(s string) flow.Transport {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TCP":
		return flow.TransportTCP
	case "UDP":
		return flow.TransportUDP
	case "ICMP":
		return flow.TransportICMP
	}
	return flow.TransportOther
}

var layouts = []string{
	"2006-01-02 15:04:05.000",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, flow.ErrNoEndpoint
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &time.ParseError{Layout: "nfdump timestamp", Value: s}
}
