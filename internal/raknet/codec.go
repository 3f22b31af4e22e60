// Package raknet implements just enough of the RakNet offline-message
// wire format to recognise the unconnected ping/pong discovery exchange.
// Anything else carried over RakNet is opaque session traffic and is
// never touched by this package.
package raknet

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-bedrock/router/internal/motd"
)

const (
	IDUnconnectedPing = 0x01
	IDUnconnectedPong = 0x1c

	magicLen     = 16
	pingLen      = 1 + 8 + magicLen + 8
	pongHeaderLen = 1 + 8 + 8 + magicLen + 2
)

// OfflineMessageDataID is the fixed magic every unconnected ping/pong
// carries, per the RakNet wire format.
var OfflineMessageDataID = [magicLen]byte{
	0x00, 0xFF, 0xFF, 0x00, 0xFE, 0xFE, 0xFE, 0xFE,
	0xFD, 0xFD, 0xFD, 0xFD, 0x12, 0x34, 0x56, 0x78,
}

// ErrMalformed is returned for any unconnected ping/pong that fails to
// decode: wrong length, bad magic, wrong MOTD field count, or a MOTD
// string that is not valid UTF-8.
var ErrMalformed = errors.New("raknet: malformed offline message")

// Ping is a decoded unconnected ping.
type Ping struct {
	ClientTimestamp int64
	ClientGUID      int64
}

// Pong is a decoded unconnected pong.
type Pong struct {
	ServerTimestamp int64
	ServerGUID      int64
	Motd            string
}

// IsUnconnectedPing performs the cheap first-byte-plus-magic check the
// forwarder's downstream loop uses to classify a datagram before doing
// any further parsing.
func IsUnconnectedPing(buf []byte) bool {
	if len(buf) < pingLen || buf[0] != IDUnconnectedPing {
		return false
	}
	return bytes.Equal(buf[9:9+magicLen], OfflineMessageDataID[:])
}

// DecodeUnconnectedPing parses a datagram already identified by
// IsUnconnectedPing.
func DecodeUnconnectedPing(buf []byte) (*Ping, error) {
	if len(buf) < pingLen || buf[0] != IDUnconnectedPing {
		return nil, errors.Wrap(ErrMalformed, "not an unconnected ping")
	}
	if !bytes.Equal(buf[9:9+magicLen], OfflineMessageDataID[:]) {
		return nil, errors.Wrap(ErrMalformed, "bad magic")
	}
	return &Ping{
		ClientTimestamp: int64(binary.BigEndian.Uint64(buf[1:9])),
		ClientGUID:      int64(binary.BigEndian.Uint64(buf[9+magicLen : 9+magicLen+8])),
	}, nil
}

// EncodeUnconnectedPing builds the wire bytes for a ping, used by the
// health prober and the MOTD refresh task.
func EncodeUnconnectedPing(p *Ping) []byte {
	buf := make([]byte, pingLen)
	buf[0] = IDUnconnectedPing
	binary.BigEndian.PutUint64(buf[1:9], uint64(p.ClientTimestamp))
	copy(buf[9:9+magicLen], OfflineMessageDataID[:])
	binary.BigEndian.PutUint64(buf[9+magicLen:9+magicLen+8], uint64(p.ClientGUID))
	return buf
}

// DecodeUnconnectedPong parses a pong datagram received from a backend.
func DecodeUnconnectedPong(buf []byte) (*Pong, error) {
	if len(buf) < pongHeaderLen || buf[0] != IDUnconnectedPong {
		return nil, errors.Wrap(ErrMalformed, "not an unconnected pong")
	}
	serverTimestamp := int64(binary.BigEndian.Uint64(buf[1:9]))
	serverGUID := int64(binary.BigEndian.Uint64(buf[9:17]))
	magic := buf[17 : 17+magicLen]
	if !bytes.Equal(magic, OfflineMessageDataID[:]) {
		return nil, errors.Wrap(ErrMalformed, "bad magic")
	}
	strLen := int(binary.BigEndian.Uint16(buf[17+magicLen : 19+magicLen]))
	rest := buf[19+magicLen:]
	if len(rest) < strLen {
		return nil, errors.Wrap(ErrMalformed, "truncated motd string")
	}
	motdBytes := rest[:strLen]
	if !utf8.Valid(motdBytes) {
		return nil, errors.Wrap(ErrMalformed, "non-utf8 motd string")
	}
	return &Pong{
		ServerTimestamp: serverTimestamp,
		ServerGUID:      serverGUID,
		Motd:            string(motdBytes),
	}, nil
}

// EncodeUnconnectedPong builds the wire bytes for a pong, used to answer
// clients directly from the MOTD cache without touching a backend.
func EncodeUnconnectedPong(p *Pong) []byte {
	motdBytes := []byte(p.Motd)
	buf := make([]byte, pongHeaderLen+len(motdBytes))
	buf[0] = IDUnconnectedPong
	binary.BigEndian.PutUint64(buf[1:9], uint64(p.ServerTimestamp))
	binary.BigEndian.PutUint64(buf[9:17], uint64(p.ServerGUID))
	copy(buf[17:17+magicLen], OfflineMessageDataID[:])
	binary.BigEndian.PutUint16(buf[17+magicLen:19+magicLen], uint16(len(motdBytes)))
	copy(buf[19+magicLen:], motdBytes)
	return buf
}

// ParseMotdString decodes the semicolon-delimited MOTD payload carried by
// an unconnected pong into a motd.Snapshot.
func ParseMotdString(s string) (*motd.Snapshot, error) {
	fields := strings.Split(s, ";")
	if len(fields) < 9 {
		return nil, errors.Wrapf(ErrMalformed, "expected at least 9 motd fields, got %d", len(fields))
	}

	protocol, err := strconv.Atoi(fields[2])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "bad protocol field")
	}
	online, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "bad online-players field")
	}
	max, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "bad max-players field")
	}
	guid, err := strconv.ParseInt(fields[6], 10, 64)
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, "bad server-guid field")
	}

	snap := &motd.Snapshot{
		Edition:       fields[0],
		Line1:         fields[1],
		Protocol:      protocol,
		Version:       fields[3],
		OnlinePlayers: online,
		MaxPlayers:    max,
		ServerGUID:    guid,
		Line2:         fields[7],
		GamemodeName:  fields[8],
	}
	if len(fields) > 9 {
		if id, err := strconv.Atoi(fields[9]); err == nil {
			snap.GamemodeID = id
		}
	}
	return snap, nil
}

// FormatMotdString encodes a motd.Snapshot into the semicolon-delimited
// payload clients expect, given the proxy's own port bindings to stamp
// into the port_v4/port_v6 fields.
func FormatMotdString(s *motd.Snapshot, portV4, portV6 uint16) string {
	var b strings.Builder
	edition := s.Edition
	if edition == "" {
		edition = "MCPE"
	}
	b.WriteString(edition)
	b.WriteByte(';')
	b.WriteString(s.Line1)
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(s.Protocol))
	b.WriteByte(';')
	b.WriteString(s.Version)
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(s.OnlinePlayers))
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(s.MaxPlayers))
	b.WriteByte(';')
	b.WriteString(strconv.FormatInt(s.ServerGUID, 10))
	b.WriteByte(';')
	b.WriteString(s.Line2)
	b.WriteByte(';')
	gamemode := s.GamemodeName
	if gamemode == "" {
		gamemode = "Survival"
	}
	b.WriteString(gamemode)
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(s.GamemodeID))
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(int(portV4)))
	b.WriteByte(';')
	b.WriteString(strconv.Itoa(int(portV6)))
	b.WriteByte(';')
	return b.String()
}
