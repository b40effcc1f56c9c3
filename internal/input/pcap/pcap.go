// Package pcap implements the pcap and interface input kinds. The
// default path shells out to an external flow-extraction tool (zeek or
// argus) pointed at the capture file or live interface and then
// streams whatever log folder that tool produces through the zeek
// folder scanner; a direct gopacket/pcap decode path is kept as a
// fallback for a bare .pcap file with no such tool available.
package pcap

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"os/exec"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
	"github.com/flowsentinel/sentryflow/internal/input/zeek"
)

func init() {
	input.Register(input.KindPcap, func(d input.Descriptor) (input.Source, error) {
		return &Source{path: d.PathOrStream}, nil
	})
	input.Register(input.KindInterface, func(d input.Descriptor) (input.Source, error) {
		return &Source{iface: d.PathOrStream}, nil
	})
}

// Tool names the external flow extractor to invoke; overridable in
// tests. gravwell's own ingesters shell out to similarly
// externally-supplied tools rather than reimplementing protocol
// dissection in Go.
var Tool = "zeek"

// Source runs Tool against a pcap file (KindPcap) or a live interface
// (KindInterface), then scans the log folder it produces.
type Source struct {
	path  string
	iface string

	// WorkDir is the directory Tool is told to write its logs into;
	// defaults to a fresh temp directory per run.
	WorkDir string
}

func (s *Source) Run(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	if _, err := exec.LookPath(Tool); err != nil {
		if s.path != "" {
			return s.decodeDirect(ctx, out, errs)
		}
		return fmt.Errorf("pcap: external tool %q not found and no pcap file to decode directly: %w", Tool, err)
	}

	workDir := s.WorkDir
	if workDir == "" {
		var err error
		workDir, err = os.MkdirTemp("", "sentryflow-zeek-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(workDir)
	}

	var cmd *exec.Cmd
	live := s.iface != ""
	if live {
		cmd = exec.CommandContext(ctx, Tool, "-i", s.iface)
	} else {
		cmd = exec.CommandContext(ctx, Tool, "-r", s.path)
	}
	cmd.Dir = workDir

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("pcap: starting %s: %w", Tool, err)
	}

	folder := zeek.NewFolderSource(workDir, live)
	if !live {
		// A capture file is fully processed once Tool exits, so the
		// folder is scanned after that, with every log complete.
		if err := cmd.Wait(); err != nil {
			return fmt.Errorf("pcap: %s: %w", Tool, err)
		}
		return folder.Run(ctx, out, errs)
	}

	runErr := make(chan error, 1)
	go func() { runErr <- folder.Run(ctx, out, errs) }()

	waitErr := cmd.Wait()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-runErr:
		if err != nil {
			return err
		}
	}
	return waitErr
}

// decodeDirect is the no-external-tool fallback: decode the capture
// file's IP/TCP/UDP layers straight into flow.Records with gopacket.
// It produces far sparser Records than a real zeek run (no
// application-layer info, state machine, or inter-packet duration
// beyond first/last-seen) but keeps the pipeline usable in
// environments without zeek installed.
func (s *Source) decodeDirect(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	handle, err := pcap.OpenOffline(s.path)
	if err != nil {
		return err
	}
	defer handle.Close()

	src := gopacket.NewPacketSource(handle, handle.LinkType())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		pkt, err := src.NextPacket()
		if err == pcap.ErrTimeoutExpired {
			continue
		}
		if err != nil {
			return err
		}
		rec, perr := packetToRecord(pkt)
		if perr != nil {
			errs.Incr()
			continue
		}
		if rec == nil {
			continue
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func packetToRecord(pkt gopacket.Packet) (*flow.Record, error) {
	netLayer := pkt.NetworkLayer()
	if netLayer == nil {
		return nil, flow.ErrNoEndpoint
	}
	nf := netLayer.NetworkFlow()
	srcIP, dstIP := nf.Src().String(), nf.Dst().String()

	rec := &flow.Record{
		Source: "pcap",
		TS:     pkt.Metadata().Timestamp,
	}

	var srcPort, dstPort uint16
	proto := flow.TransportOther
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		proto = flow.TransportTCP
		srcPort, dstPort = uint16(tcp.SrcPort), uint16(tcp.DstPort)
	} else if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		proto = flow.TransportUDP
		srcPort, dstPort = uint16(udp.SrcPort), uint16(udp.DstPort)
	} else if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
		proto = flow.TransportICMP
	}
	rec.Proto = proto

	src, err := netip.ParseAddr(srcIP)
	if err != nil {
		return nil, err
	}
	dst, err := netip.ParseAddr(dstIP)
	if err != nil {
		return nil, err
	}
	rec.Src = flow.Endpoint{Addr: src, Port: srcPort}
	rec.Dst = flow.Endpoint{Addr: dst, Port: dstPort}
	rec.SrcCounters = flow.Counters{Bytes: uint64(len(pkt.Data())), Packets: 1}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
