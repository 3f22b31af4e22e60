package raknet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-bedrock/router/internal/motd"
)

func TestUnconnectedPingRoundTrip(t *testing.T) {
	ping := &Ping{ClientTimestamp: 123456789, ClientGUID: 42}
	buf := EncodeUnconnectedPing(ping)

	assert.True(t, IsUnconnectedPing(buf))

	decoded, err := DecodeUnconnectedPing(buf)
	require.NoError(t, err)
	assert.Equal(t, ping, decoded)
}

func TestIsUnconnectedPingRejectsSessionTraffic(t *testing.T) {
	assert.False(t, IsUnconnectedPing([]byte{0x80, 0x01, 0x02}))
	assert.False(t, IsUnconnectedPing(nil))
}

func TestDecodeUnconnectedPingBadMagic(t *testing.T) {
	buf := EncodeUnconnectedPing(&Ping{})
	buf[9] ^= 0xFF

	_, err := DecodeUnconnectedPing(buf)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestUnconnectedPongRoundTrip(t *testing.T) {
	snap := &motd.Snapshot{
		Edition:       "MCPE",
		Line1:         "My Server",
		Protocol:      671,
		Version:       "1.21.0",
		OnlinePlayers: 3,
		MaxPlayers:    20,
		ServerGUID:    99887766,
		Line2:         "Survival Mode",
		GamemodeName:  "Survival",
		GamemodeID:    1,
	}
	motdStr := FormatMotdString(snap, 19132, 19133)

	pong := &Pong{ServerTimestamp: 55, ServerGUID: snap.ServerGUID, Motd: motdStr}
	buf := EncodeUnconnectedPong(pong)

	decoded, err := DecodeUnconnectedPong(buf)
	require.NoError(t, err)
	assert.Equal(t, pong, decoded)

	reparsed, err := ParseMotdString(decoded.Motd)
	require.NoError(t, err)
	assert.Equal(t, snap.Edition, reparsed.Edition)
	assert.Equal(t, snap.Line1, reparsed.Line1)
	assert.Equal(t, snap.Protocol, reparsed.Protocol)
	assert.Equal(t, snap.OnlinePlayers, reparsed.OnlinePlayers)
	assert.Equal(t, snap.MaxPlayers, reparsed.MaxPlayers)
	assert.Equal(t, snap.ServerGUID, reparsed.ServerGUID)
	assert.Equal(t, snap.Line2, reparsed.Line2)
	assert.Equal(t, snap.GamemodeName, reparsed.GamemodeName)
	assert.Equal(t, snap.GamemodeID, reparsed.GamemodeID)
}

func TestParseMotdStringMalformed(t *testing.T) {
	_, err := ParseMotdString("MCPE;too;few;fields")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecodeUnconnectedPongTruncated(t *testing.T) {
	_, err := DecodeUnconnectedPong([]byte{0x1c, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)
}
