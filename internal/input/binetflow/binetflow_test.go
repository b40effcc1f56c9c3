package binetflow

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/flowsentinel/sentryflow/internal/flow"
	"github.com/flowsentinel/sentryflow/internal/input"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `StartTime,Dur,Proto,SrcAddr,Sport,Dir,DstAddr,Dport,State,sTos,dTos,TotPkts,TotBytes,SrcBytes,Label
1732900000.123456,1.5,tcp,10.0.0.1,51234,->,10.0.0.2,443,FIN,0,0,10,1500,900,
1732900001.000000,0.0,udp,10.0.0.3,53,->,10.0.0.4,53,CON,0,0,1,80,80,
`

func TestParseReadsRowsInOrderAndPopulatesEndpoints(t *testing.T) {
	errs := &input.ErrorCounter{}
	out := make(chan *flow.Record, 16)
	err := Parse(context.Background(), strings.NewReader(sampleCSV), out, errs)
	require.NoError(t, err)
	close(out)

	var recs []*flow.Record
	for r := range out {
		recs = append(recs, r)
	}
	require.Len(t, recs, 2)
	require.Equal(t, uint64(0), errs.Count())

	require.Equal(t, "10.0.0.1", recs[0].Src.Addr.String())
	require.Equal(t, uint16(51234), recs[0].Src.Port)
	require.Equal(t, "10.0.0.2", recs[0].Dst.Addr.String())
	require.Equal(t, uint16(443), recs[0].Dst.Port)
	require.Equal(t, flow.TransportTCP, recs[0].Proto)
	require.Equal(t, uint64(900), recs[0].SrcCounters.Bytes)
	require.Equal(t, uint64(600), recs[0].DstCounters.Bytes)
	require.Equal(t, uint64(10), recs[0].SrcCounters.Packets)

	require.Equal(t, flow.TransportUDP, recs[1].Proto)
}

func TestParseSkipsMalformedRowsAndCountsErrors(t *testing.T) {
	csvWithBadRow := `StartTime,Dur,Proto,SrcAddr,Sport,Dir,DstAddr,Dport,State,sTos,dTos,TotPkts,TotBytes,SrcBytes,Label
not-a-timestamp,1.5,tcp,,51234,->,,443,FIN,0,0,10,1500,900,
1732900001.000000,0.0,udp,10.0.0.3,53,->,10.0.0.4,53,CON,0,0,1,80,80,
`
	errs := &input.ErrorCounter{}
	out := make(chan *flow.Record, 16)
	err := Parse(context.Background(), strings.NewReader(csvWithBadRow), out, errs)
	require.NoError(t, err)
	close(out)

	var recs []*flow.Record
	for r := range out {
		recs = append(recs, r)
	}
	require.Len(t, recs, 1)
	require.Equal(t, uint64(1), errs.Count())
}

func TestParseRowUsesDefaultHeaderForHeaderlessLine(t *testing.T) {
	idx := BuildIndex(DefaultHeader)
	row := strings.Split("1732900000.000000,2.0,tcp,192.168.1.1,1111,->,192.168.1.2,80,FIN,0,0,5,500,300,", ",")
	rec, err := ParseRow(row, idx)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.1", rec.Src.Addr.String())
	require.Equal(t, flow.TransportTCP, rec.Proto)
}

func TestParseEmptyInputReturnsNoRecordsNoError(t *testing.T) {
	errs := &input.ErrorCounter{}
	out := make(chan *flow.Record, 1)
	err := Parse(context.Background(), bytes.NewReader(nil), out, errs)
	require.NoError(t, err)
	close(out)
	_, ok := <-out
	require.False(t, ok)
}
