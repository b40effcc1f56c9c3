// Package zeek implements the zeek_folder and zeek_log_file input
// kinds: enumerate/scan *.log files, sniff tab- vs JSON-formatted on
// the first non-comment line, tail growing files when the source is a
// live interface, otherwise read once to EOF.
package zeek

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
)

func init() {
	input.Register(input.KindZeekFolder, func(d input.Descriptor) (input.Source, error) {
		return &FolderSource{dir: d.PathOrStream}, nil
	})
	input.Register(input.KindZeekFile, func(d input.Descriptor) (input.Source, error) {
		return &FileSource{path: d.PathOrStream}, nil
	})
}

// AcceptedLogs is the accepted set of zeek logs, left open to
// external configuration; these are the log files a typical network
// monitoring deployment actually consumes.
var AcceptedLogs = map[string]bool{
	"conn.log": true, "dns.log": true, "http.log": true, "ssl.log": true,
	"smtp.log": true, "ssh.log": true, "notice.log": true, "files.log": true,
	"x509.log": true, "weird.log": true,
}

// FolderSource implements the zeek_folder kind: enumerate every *.log
// file under dir and stream each one.
type FolderSource struct {
	dir string
	// Tail forces tail-on-grow behavior even for a folder read once;
	// the input stage sets this true only when the underlying source
	// is a live interface.
	Tail bool
}

// NewFolderSource builds a FolderSource for dir; other input
// sub-packages (pcap, in particular) that produce a zeek log folder
// of their own reuse this to finish the job via the zeek scanner
// rather than duplicating it.
func NewFolderSource(dir string, tail bool) *FolderSource {
	return &FolderSource{dir: dir, Tail: tail}
}

func (s *FolderSource) Run(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		if !AcceptedLogs[e.Name()] {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	if s.Tail {
		// Each tailed file runs until ctx ends, so they run side by side.
		errc := make(chan error, len(names))
		for _, name := range names {
			fs := &FileSource{path: filepath.Join(s.dir, name), Tail: true}
			go func() { errc <- fs.Run(ctx, out, errs) }()
		}
		var first error
		for range names {
			if err := <-errc; err != nil && first == nil {
				first = err
			}
		}
		return first
	}

	for _, name := range names {
		fs := &FileSource{path: filepath.Join(s.dir, name), Tail: s.Tail}
		if err := fs.Run(ctx, out, errs); err != nil {
			return err
		}
	}
	return nil
}

// FileSource implements the zeek_log_file kind: a single *.log file.
type FileSource struct {
	path string
	Tail bool
}

func (s *FileSource) Run(ctx context.Context, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	base := filepath.Base(s.path)
	if !strings.HasSuffix(base, ".log") || !AcceptedLogs[base] {
		return fmt.Errorf("zeek: rejected log file %q", base)
	}

	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	logKind := strings.TrimSuffix(base, ".log")
	br := bufio.NewReaderSize(f, 1<<20)

	format, first, err := sniffFormat(br)
	if err != nil {
		return err
	}

	if s.Tail {
		return tailLines(ctx, s.path, f, br, format, first, logKind, out, errs)
	}
	return readToEOF(ctx, br, format, first, logKind, out, errs)
}

type format int

const (
	formatTab format = iota
	formatJSON
)

// sniffFormat reads the first non-comment line to decide tab vs JSON
// and returns it alongside the format so the caller can still emit it:
// bufio.Reader has no general-purpose "unread a whole line" operation.
func sniffFormat(br *bufio.Reader) (format, []byte, error) {
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := strings.TrimSpace(string(line))
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, "#") {
				if err == io.EOF {
					return formatTab, nil, nil
				}
				continue
			}
			if strings.HasPrefix(trimmed, "{") {
				return formatJSON, line, nil
			}
			return formatTab, line, nil
		}
		if err != nil {
			return formatTab, nil, err
		}
	}
}

func readToEOF(ctx context.Context, br *bufio.Reader, f format, first []byte, logKind string, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	emit := func(line []byte) {
		rec, err := parseLine(line, f, logKind)
		if err != nil {
			errs.Incr()
			return
		}
		if rec == nil {
			return
		}
		select {
		case out <- rec:
		case <-ctx.Done():
		}
	}
	if len(first) > 0 {
		emit(first)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := strings.TrimSpace(string(line))
			if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
				emit(line)
			}
		}
		if err == io.EOF {
			return nil
		} else if err != nil {
			return err
		}
	}
}

// tailLines follows a growing file the way filewatch tails zeek logs
// on a live interface: fsnotify wakes us on writes, and we keep
// reading from wherever we left off.
func tailLines(ctx context.Context, path string, f *os.File, br *bufio.Reader, fmtKind format, first []byte, logKind string, out chan<- *flow.Record, errs *input.ErrorCounter) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	emit := func(line []byte) {
		rec, err := parseLine(line, fmtKind, logKind)
		if err != nil {
			errs.Incr()
			return
		}
		if rec == nil {
			return
		}
		select {
		case out <- rec:
		case <-ctx.Done():
		}
	}
	if len(first) > 0 {
		emit(first)
	}

	drain := func() {
		for {
			line, err := br.ReadBytes('\n')
			if len(line) > 0 && strings.HasSuffix(string(line), "\n") {
				trimmed := strings.TrimSpace(string(line))
				if trimmed != "" && !strings.HasPrefix(trimmed, "#") {
					emit(line)
				}
			} else if len(line) > 0 {
				// partial line at EOF; seek back so we re-read it whole later
				f.Seek(-int64(len(line)), io.SeekCurrent)
				break
			}
			if err != nil {
				break
			}
		}
	}

	drain()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name == path && (ev.Op&fsnotify.Write) != 0 {
				drain()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

func parseLine(line []byte, f format, logKind string) (*flow.Record, error) {
	if f == formatJSON {
		var raw map[string]interface{}
		if err := json.Unmarshal(line, &raw); err != nil {
			return nil, err
		}
		return RecordFromMapping(raw, logKind)
	}
	// Tab-separated zeek logs carry a #fields header naming columns
	// positionally; we don't thread that header through here, so only
	// conn.log (whose column order is effectively fixed across zeek
	// versions) gets positional tab parsing. The other tab-formatted
	// logs are rare in practice; JSON is the common case.
	if logKind != "conn" {
		return nil, fmt.Errorf("zeek: tab-separated %s.log without header context", logKind)
	}
	fs := strings.Split(strings.TrimRight(string(line), "\n"), "\t")
	return connTabToRecord(fs)
}

var connTabColumns = []string{
	"ts", "uid", "id.orig_h", "id.orig_p", "id.resp_h", "id.resp_p", "proto",
	"service", "duration", "orig_bytes", "resp_bytes", "conn_state", "local_orig",
	"local_resp", "missed_bytes", "history", "orig_pkts", "orig_ip_bytes",
	"resp_pkts", "resp_ip_bytes",
}

func connTabToRecord(fs []string) (*flow.Record, error) {
	m := make(map[string]interface{}, len(connTabColumns))
	for i, col := range connTabColumns {
		if i < len(fs) && fs[i] != "-" {
			m[col] = fs[i]
		}
	}
	return RecordFromMapping(m, "conn")
}

// RecordFromMapping converts a structured zeek-log mapping (from a
// JSON line, or a tab line pre-split by the caller) into a flow.Record.
// logKind names which *.log the mapping came from, selecting which
// sparse application-layer sub-record (if any) gets populated. This is
// also the entry point the stdin input uses for line_type=="zeek":
// zeek lines there are pre-parsed from JSON text to a structured
// mapping before enqueueing.
func RecordFromMapping(m map[string]interface{}, logKind string) (*flow.Record, error) {
	t, err := mapTime(m, "ts")
	if err != nil {
		return nil, err
	}
	src, err := mapEndpoint(m, "id.orig_h", "id.orig_p")
	if err != nil {
		return nil, err
	}
	dst, err := mapEndpoint(m, "id.resp_h", "id.resp_p")
	if err != nil {
		return nil, err
	}

	rec := &flow.Record{
		Source: "zeek",
		TS:     t,
		Src:    src,
		Dst:    dst,
		Proto:  transportFromString(mapString(m, "proto")),
		State:  mapString(m, "conn_state"),
	}
	if d, ok := mapFloat(m, "duration"); ok && d >= 0 {
		rec.Duration = time.Duration(d * float64(time.Second))
	} else if ok && d < 0 {
		return nil, flow.ErrNegativeCounts
	}
	if b, ok := mapUint(m, "orig_bytes"); ok {
		rec.SrcCounters.Bytes = b
	}
	if b, ok := mapUint(m, "resp_bytes"); ok {
		rec.DstCounters.Bytes = b
	}
	if p, ok := mapUint(m, "orig_pkts"); ok {
		rec.SrcCounters.Packets = p
	}
	if p, ok := mapUint(m, "resp_pkts"); ok {
		rec.DstCounters.Packets = p
	}

	switch logKind {
	case "dns":
		rec.DNS = &flow.DNSInfo{
			Query:     mapString(m, "query"),
			QueryType: mapString(m, "qtype_name"),
			RCode:     mapString(m, "rcode_name"),
			Rejected:  mapString(m, "rcode_name") != "NOERROR" && mapString(m, "rcode_name") != "",
		}
		if answers, ok := m["answers"].([]interface{}); ok {
			for _, a := range answers {
				if s, ok := a.(string); ok {
					rec.DNS.Answers = append(rec.DNS.Answers, s)
				}
			}
		}
	case "http":
		rec.HTTP = &flow.HTTPInfo{
			Method:     mapString(m, "method"),
			Host:       mapString(m, "host"),
			URI:        mapString(m, "uri"),
			UserAgent:  mapString(m, "user_agent"),
			StatusCode: int(mapIntOr(m, "status_code", 0)),
		}
		if l, ok := mapUint(m, "response_body_len"); ok {
			rec.HTTP.RespBodyLen = l
		}
	case "ssl":
		rec.SSL = &flow.SSLInfo{
			Version:       mapString(m, "version"),
			Cipher:        mapString(m, "cipher"),
			ServerName:    mapString(m, "server_name"),
			SubjectCN:     mapString(m, "subject"),
			IssuerCN:      mapString(m, "issuer"),
			Validated:     mapBool(m, "validation_status") || mapString(m, "validation_status") == "ok",
			ValidationErr: mapString(m, "validation_status"),
		}
	case "smtp":
		rec.SMTP = &flow.SMTPInfo{
			MailFrom: mapString(m, "mailfrom"),
			Command:  mapString(m, "last_reply"),
		}
		if to, ok := m["rcptto"].([]interface{}); ok {
			for _, r := range to {
				if s, ok := r.(string); ok {
					rec.SMTP.RcptTo = append(rec.SMTP.RcptTo, s)
				}
			}
		}
	case "ssh":
		rec.SSH = &flow.SSHInfo{
			Client:      mapString(m, "client"),
			Server:      mapString(m, "server"),
			AuthAttempt: mapString(m, "auth_attempts") != "",
			AuthSuccess: mapBool(m, "auth_success"),
		}
	}

	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}

func mapString(m map[string]interface{}, key string) string {
	v, ok := m[key]
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprintf("%v", v)
}

func mapFloat(m map[string]interface{}, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

func mapUint(m map[string]interface{}, key string) (uint64, bool) {
	f, ok := mapFloat(m, key)
	if !ok || f < 0 {
		return 0, false
	}
	return uint64(f), true
}

func mapIntOr(m map[string]interface{}, key string, def int64) int64 {
	f, ok := mapFloat(m, key)
	if !ok {
		return def
	}
	return int64(f)
}

func mapBool(m map[string]interface{}, key string) bool {
	v, ok := m[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "true") || strings.EqualFold(t, "T")
	}
	return false
}

func mapTime(m map[string]interface{}, key string) (time.Time, error) {
	f, ok := mapFloat(m, key)
	if !ok {
		return time.Time{}, flow.ErrNoEndpoint
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}

func mapEndpoint(m map[string]interface{}, addrKey, portKey string) (flow.Endpoint, error) {
	var ep flow.Endpoint
	addr := mapString(m, addrKey)
	if addr == "" {
		return ep, nil
	}
	a, err := netip.ParseAddr(addr)
	if err != nil {
		return ep, err
	}
	ep.Addr = a
	if p, ok := mapUint(m, portKey); ok && p <= 65535 {
		ep.Port = uint16(p)
	}
	return ep, nil
}

func transportFromString(s string) flow.Transport {
	switch strings.ToLower(s) {
	case "tcp":
		return flow.TransportTCP
	case "udp":
		return flow.TransportUDP
	case "icmp":
		return flow.TransportICMP
	}
	return flow.TransportOther
}
