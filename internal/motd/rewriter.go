package motd

// Rewriter projects the proxy's own identity onto a cached Snapshot
// before it is sent back to a client: Rewrite overrides server-guid,
// and the ports it holds are stamped into port_v4/port_v6 by the caller
// when it formats the MOTD string; everything else (line1/line2/player
// counts/version) is passed through unchanged.
type Rewriter struct {
	ProxyGUID int64
	PortV4    uint16
	PortV6    uint16
}

// Rewrite returns a copy of snap with the proxy's identity applied. The
// caller is responsible for echoing the client's ping timestamp in the
// pong envelope; that isn't part of the MOTD string itself.
func (r *Rewriter) Rewrite(snap *Snapshot) *Snapshot {
	out := *snap
	out.ServerGUID = r.ProxyGUID
	return &out
}
