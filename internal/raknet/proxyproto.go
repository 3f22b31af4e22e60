package raknet

import (
	"bytes"
	"net"

	"github.com/pires/go-proxyproto"
)

// BuildProxyV2UDPHeader builds a standalone PROXY protocol v2 header
// datagram encoding client as the connection source and frontend as the
// destination, sent once ahead of the first forwarded payload of a new
// session when proxy_protocol is enabled.
func BuildProxyV2UDPHeader(client, frontend *net.UDPAddr) ([]byte, error) {
	transport := proxyproto.UDPv4
	if client.IP.To4() == nil {
		transport = proxyproto.UDPv6
	}

	header := &proxyproto.Header{
		Version:           2,
		Command:           proxyproto.PROXY,
		TransportProtocol: transport,
		SourceAddr:        client,
		DestinationAddr:   frontend,
	}

	var buf bytes.Buffer
	if _, err := header.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
