package zeek

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
	"github.com/stretchr/testify/require"
)

func TestRecordFromMappingPopulatesDNSSubRecord(t *testing.T) {
	m := map[string]interface{}{
		"ts":          float64(1732900000.5),
		"id.orig_h":   "10.0.0.1",
		"id.orig_p":   float64(53124),
		"id.resp_h":   "10.0.0.2",
		"id.resp_p":   float64(53),
		"proto":       "udp",
		"query":       "example.com",
		"qtype_name":  "A",
		"rcode_name":  "NOERROR",
		"answers":     []interface{}{"93.184.216.34"},
	}
	rec, err := RecordFromMapping(m, "dns")
	require.NoError(t, err)
	require.NotNil(t, rec.DNS)
	require.Equal(t, "example.com", rec.DNS.Query)
	require.False(t, rec.DNS.Rejected)
	require.Equal(t, []string{"93.184.216.34"}, rec.DNS.Answers)
	require.Equal(t, flow.TransportUDP, rec.Proto)
	require.Equal(t, uint16(53), rec.Dst.Port)
}

func TestRecordFromMappingPopulatesHTTPSubRecord(t *testing.T) {
	m := map[string]interface{}{
		"ts":          float64(1732900000),
		"id.orig_h":   "10.0.0.1",
		"id.resp_h":   "10.0.0.2",
		"method":      "GET",
		"host":        "example.com",
		"uri":         "/index.html",
		"status_code": float64(200),
	}
	rec, err := RecordFromMapping(m, "http")
	require.NoError(t, err)
	require.NotNil(t, rec.HTTP)
	require.Equal(t, "GET", rec.HTTP.Method)
	require.Equal(t, 200, rec.HTTP.StatusCode)
}

func TestRecordFromMappingRejectsNegativeDuration(t *testing.T) {
	m := map[string]interface{}{
		"ts":        float64(1732900000),
		"id.orig_h": "10.0.0.1",
		"id.resp_h": "10.0.0.2",
		"duration":  float64(-5),
	}
	_, err := RecordFromMapping(m, "conn")
	require.ErrorIs(t, err, flow.ErrNegativeCounts)
}

func TestRecordFromMappingRequiresAnEndpoint(t *testing.T) {
	m := map[string]interface{}{"ts": float64(1732900000)}
	_, err := RecordFromMapping(m, "conn")
	require.ErrorIs(t, err, flow.ErrNoEndpoint)
}

func TestConnTabToRecordParsesPositionalColumns(t *testing.T) {
	fs := []string{
		"1732900000.000000", "Cabc123", "10.0.0.1", "51234", "10.0.0.2", "443",
		"tcp", "-", "1.500000", "900", "600", "SF", "-", "-", "0", "ShADadFf", "10", "1000", "8", "900",
	}
	rec, err := connTabToRecord(fs)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", rec.Src.Addr.String())
	require.Equal(t, uint16(51234), rec.Src.Port)
	require.Equal(t, "SF", rec.State)
	require.Equal(t, uint64(900), rec.SrcCounters.Bytes)
	require.Equal(t, uint64(600), rec.DstCounters.Bytes)
}

func TestParseLineRejectsTabFormatForNonConnLogs(t *testing.T) {
	_, err := parseLine([]byte("some\ttab\tline"), formatTab, "dns")
	require.Error(t, err)
}

func writeZeekLog(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestFileSourceReadsJSONFormattedConnLog(t *testing.T) {
	dir := t.TempDir()
	contents := `{"ts":1732900000.0,"id.orig_h":"10.0.0.1","id.orig_p":51234,"id.resp_h":"10.0.0.2","id.resp_p":443,"proto":"tcp","conn_state":"SF","orig_bytes":900,"resp_bytes":600}
{"ts":1732900001.0,"id.orig_h":"10.0.0.3","id.orig_p":5000,"id.resp_h":"10.0.0.4","id.resp_p":80,"proto":"tcp","conn_state":"S0"}
`
	path := writeZeekLog(t, dir, "conn.log", contents)

	src := &FileSource{path: path}
	out := make(chan *flow.Record, 8)
	errs := &input.ErrorCounter{}
	require.NoError(t, src.Run(context.Background(), out, errs))
	close(out)

	var recs []*flow.Record
	for r := range out {
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	require.Equal(t, uint64(0), errs.Count())
	require.Equal(t, "10.0.0.1", recs[0].Src.Addr.String())
}

func TestFileSourceSkipsCommentAndBlankLines(t *testing.T) {
	dir := t.TempDir()
	contents := "#separator \\x09\n#fields\tts\n\n" +
		`{"ts":1732900000.0,"id.orig_h":"10.0.0.1","id.resp_h":"10.0.0.2","proto":"tcp"}` + "\n"
	path := writeZeekLog(t, dir, "conn.log", contents)

	src := &FileSource{path: path}
	out := make(chan *flow.Record, 8)
	errs := &input.ErrorCounter{}
	require.NoError(t, src.Run(context.Background(), out, errs))
	close(out)

	var n int
	for range out {
		n++
	}
	require.Equal(t, 1, n)
}

func TestFileSourceRejectsUnacceptedLogName(t *testing.T) {
	dir := t.TempDir()
	path := writeZeekLog(t, dir, "unknown.log", "{}\n")
	src := &FileSource{path: path}
	err := src.Run(context.Background(), make(chan *flow.Record, 1), &input.ErrorCounter{})
	require.Error(t, err)
}

func TestFolderSourceScansOnlyAcceptedLogsInSortedOrder(t *testing.T) {
	dir := t.TempDir()
	writeZeekLog(t, dir, "dns.log", `{"ts":1732900000.0,"id.orig_h":"10.0.0.1","id.resp_h":"10.0.0.2","proto":"udp","query":"a.com"}`+"\n")
	writeZeekLog(t, dir, "conn.log", `{"ts":1732900000.0,"id.orig_h":"10.0.0.3","id.resp_h":"10.0.0.4","proto":"tcp"}`+"\n")
	writeZeekLog(t, dir, "not-a-zeek-log.txt", "ignored")

	src := NewFolderSource(dir, false)
	out := make(chan *flow.Record, 8)
	errs := &input.ErrorCounter{}
	require.NoError(t, src.Run(context.Background(), out, errs))
	close(out)

	var recs []*flow.Record
	for r := range out {
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	// conn.log sorts before dns.log
	require.Equal(t, "10.0.0.3", recs[0].Src.Addr.String())
	require.Equal(t, "10.0.0.1", recs[1].Src.Addr.String())
}

func TestFileSourceTailPicksUpAppendedLines(t *testing.T) {
	dir := t.TempDir()
	path := writeZeekLog(t, dir, "conn.log",
		`{"ts":1732900000.0,"id.orig_h":"10.0.0.1","id.resp_h":"10.0.0.2","proto":"tcp"}`+"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	src := &FileSource{path: path, Tail: true}
	out := make(chan *flow.Record, 8)
	errs := &input.ErrorCounter{}

	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out, errs) }()

	first := <-out

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"ts":1732900001.0,"id.orig_h":"10.0.0.5","id.resp_h":"10.0.0.6","proto":"tcp"}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case second := <-out:
		require.Equal(t, "10.0.0.5", second.Src.Addr.String())
	case <-time.After(2 * time.Second):
		t.Fatal("tailed line never arrived")
	}

	require.Equal(t, "10.0.0.1", first.Src.Addr.String())
	cancel()
	<-done
}
