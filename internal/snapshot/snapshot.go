// Package snapshot implements best-effort session-recovery persistence:
// on a clean shutdown the live session table is written to a JSON file,
// and on the next startup a snapshot young enough to still be useful is
// used to re-dial upstream sockets before the first client datagram
// would otherwise have created them fresh. Grounded on
// original_source/trakt_core/src/bedrock/snapshot.rs's RaknetProxySnapshot,
// translated from serde_json to encoding/json and from the Rust
// SystemTime/Duration staleness check to time.Time/time.Since.
package snapshot

import (
	"encoding/json"
	"io/fs"
	"os"
	"time"

	"github.com/pkg/errors"
)

// maxAge mirrors has_expired's 10 second window: clients that haven't
// heard from the proxy for that long have almost certainly already
// decided the server is dead and reconnected on their own.
const maxAge = 10 * time.Second

// ClientRecord is the minimum state needed to re-dial one client's
// upstream socket across a restart.
type ClientRecord struct {
	ClientAddr       string `json:"addr"`
	ServerAddr       string `json:"server_addr"`
	ServerProxyProto bool   `json:"server_proxy_protocol"`
	UpstreamBindAddr string `json:"proxy_server_bind"`
}

// File is the on-disk snapshot format.
type File struct {
	TakenAt    time.Time      `json:"taken_at"`
	ListenAddr string         `json:"player_proxy_bind"`
	Clients    []ClientRecord `json:"clients"`
}

// HasExpired reports whether this snapshot is too old to attempt
// recovery from.
func (f *File) HasExpired() bool {
	return time.Since(f.TakenAt) >= maxAge
}

// Write atomically persists a snapshot to path. A failure here is
// never fatal to the proxy; callers should log and continue.
func Write(path string, f *File) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "marshaling snapshot")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return errors.Wrap(err, "writing snapshot temp file")
	}
	return os.Rename(tmp, path)
}

// Read loads a snapshot from path. A missing file is not an error; it
// reports no snapshot is available.
func Read(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading snapshot file")
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, "decoding snapshot file")
	}
	return &f, nil
}
