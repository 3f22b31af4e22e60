package raknet

import (
	"bytes"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// the PROXY v2 wire format places the source address bytes immediately
// before the destination address bytes within the address block, for a
// given address family (IPv4: 4+4 bytes, IPv6: 16+16 bytes).
func TestBuildProxyV2UDPHeaderEncodesClientAsSourceAndFrontendAsDestination(t *testing.T) {
	client := &net.UDPAddr{IP: net.ParseIP("203.0.113.7"), Port: 51234}
	frontend := &net.UDPAddr{IP: net.ParseIP("198.51.100.9"), Port: 19132}

	header, err := BuildProxyV2UDPHeader(client, frontend)
	require.NoError(t, err)

	clientBytes := client.IP.To4()
	frontendBytes := frontend.IP.To4()
	require.NotNil(t, clientBytes)
	require.NotNil(t, frontendBytes)

	clientIdx := bytes.Index(header, clientBytes)
	frontendIdx := bytes.Index(header, frontendBytes)
	require.NotEqual(t, -1, clientIdx, "client address bytes not found in header")
	require.NotEqual(t, -1, frontendIdx, "frontend address bytes not found in header")

	assert.Less(t, clientIdx, frontendIdx, "source address must precede destination address in a PROXY v2 header")
}

func TestBuildProxyV2UDPHeaderPicksTransportByFamily(t *testing.T) {
	v4Header, err := BuildProxyV2UDPHeader(
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1},
		&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2},
	)
	require.NoError(t, err)

	v6Header, err := BuildProxyV2UDPHeader(
		&net.UDPAddr{IP: net.ParseIP("::1"), Port: 1},
		&net.UDPAddr{IP: net.ParseIP("::1"), Port: 2},
	)
	require.NoError(t, err)

	// A v6 address block (16+16 bytes) makes for a longer header than a
	// v4 one (4+4 bytes), all else in the fixed-size v2 preamble equal.
	assert.Greater(t, len(v6Header), len(v4Header))
}
