package flow

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateRequiresAnEndpoint(t *testing.T) {
	r := &Record{}
	require.ErrorIs(t, r.Validate(), ErrNoEndpoint)

	r.Src = Endpoint{Addr: netip.MustParseAddr("10.0.0.1"), Port: 80}
	require.NoError(t, r.Validate())
}

func TestValidateAcceptsDstOnlyEndpoint(t *testing.T) {
	r := &Record{Dst: Endpoint{Addr: netip.MustParseAddr("::1")}}
	require.NoError(t, r.Validate())
}

func TestTotalsSumBothDirections(t *testing.T) {
	r := &Record{
		SrcCounters: Counters{Bytes: 100, Packets: 3},
		DstCounters: Counters{Bytes: 250, Packets: 5},
	}
	require.Equal(t, uint64(350), r.TotalBytes())
	require.Equal(t, uint64(8), r.TotalPackets())
}

func TestTransportString(t *testing.T) {
	cases := map[Transport]string{
		TransportTCP:   "tcp",
		TransportUDP:   "udp",
		TransportICMP:  "icmp",
		TransportARP:   "arp",
		TransportOther: "other",
		Transport(99):  "other",
	}
	for tr, want := range cases {
		require.Equal(t, want, tr.String())
	}
}

func TestEndpointIsValid(t *testing.T) {
	var zero Endpoint
	require.False(t, zero.IsValid())

	valid := Endpoint{Addr: netip.MustParseAddr("192.0.2.1"), Port: 53}
	require.True(t, valid.IsValid())
}

func TestRecordCarriesSparseSubRecords(t *testing.T) {
	r := &Record{
		TS:  time.Now(),
		Src: Endpoint{Addr: netip.MustParseAddr("10.0.0.2"), Port: 5353},
		DNS: &DNSInfo{Query: "example.com", QueryType: "A"},
	}
	require.NoError(t, r.Validate())
	require.Nil(t, r.HTTP)
	require.NotNil(t, r.DNS)
	require.Equal(t, "example.com", r.DNS.Query)
}
