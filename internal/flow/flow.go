// Package flow defines the canonical internal unit that moves through
// the pipeline: the Flow Record. Every Input Stage sub-parser produces
// these, and every later stage (profiler, modules) consumes only these
// — none of them know about pcap, zeek, binetflow, nfdump or suricata.
package flow

import (
	"errors"
	"net/netip"
	"time"
)

// Transport enumerates the handful of transports the pipeline cares about.
type Transport uint8

const (
	TransportOther Transport = iota
	TransportTCP
	TransportUDP
	TransportICMP
	TransportARP
)

func (t Transport) String() string {
	switch t {
	case TransportTCP:
		return "tcp"
	case TransportUDP:
		return "udp"
	case TransportICMP:
		return "icmp"
	case TransportARP:
		return "arp"
	}
	return "other"
}

// Endpoint is an address plus an optional port (ARP/ICMP flows may carry
// a zero port).
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) IsValid() bool { return e.Addr.IsValid() }

// Counters tallies bytes and packets seen in one direction of a flow.
type Counters struct {
	Bytes   uint64
	Packets uint64
}

// DNSInfo, HTTPInfo, SSLInfo, SMTPInfo and SSHInfo are sparse
// application-layer sub-records: a Record carries at most the ones its
// source format actually populated, left nil otherwise.
type DNSInfo struct {
	Query        string
	QueryType    string
	Answers      []string
	RCode        string
	Rejected     bool
}

type HTTPInfo struct {
	Method      string
	Host        string
	URI         string
	StatusCode  int
	UserAgent   string
	RespBodyLen uint64
}

type SSLInfo struct {
	Version        string
	Cipher         string
	ServerName     string
	SubjectCN      string
	IssuerCN       string
	Validated      bool
	ValidationErr  string
}

type SMTPInfo struct {
	MailFrom string
	RcptTo   []string
	Command  string
	Reply    string
}

type SSHInfo struct {
	Client      string
	Server      string
	AuthAttempt bool
	AuthSuccess bool
}

// Record is the canonical flow record shared by every input kind and
// pipeline stage.
type Record struct {
	// ID uniquely identifies this record within a single process
	// lifetime; used by Evidence to reference "contributing flows".
	ID string

	// Source names the input format that produced this record
	// ("zeek", "binetflow", "nfdump", "suricata", "pcap").
	Source string

	TS       time.Time
	Src      Endpoint
	Dst      Endpoint
	Proto    Transport
	Duration time.Duration
	State    string

	SrcCounters Counters
	DstCounters Counters

	DNS  *DNSInfo
	HTTP *HTTPInfo
	SSL  *SSLInfo
	SMTP *SMTPInfo
	SSH  *SSHInfo
}

var (
	ErrNoEndpoint     = errors.New("flow record has no valid endpoint")
	ErrNegativeCounts = errors.New("flow record has negative byte/packet counts")
)

// Validate enforces the record's core invariants: byte/packet counts
// non-negative (structurally guaranteed by using unsigned counters, but
// callers constructing Records from signed source fields must check
// before assignment) and at least one endpoint present.
func (r *Record) Validate() error {
	if !r.Src.IsValid() && !r.Dst.IsValid() {
		return ErrNoEndpoint
	}
	return nil
}

// TotalBytes is a convenience accumulator over both directions.
func (r *Record) TotalBytes() uint64 {
	return r.SrcCounters.Bytes + r.DstCounters.Bytes
}

// TotalPackets is a convenience accumulator over both directions.
func (r *Record) TotalPackets() uint64 {
	return r.SrcCounters.Packets + r.DstCounters.Packets
}
