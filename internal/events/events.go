// Package events defines the proxy's outbound event stream
// (backend_up, backend_down, session_opened, session_closed,
// reload_complete, motd_refreshed) and a couple of sinks for it,
// generalizing the single-purpose ConnectionNotifier pattern the
// teacher repo uses for login notifications.
package events

import (
	"net"
	"time"
)

// Sink receives proxy lifecycle events. Every method has a logging
// default (LogSink) so a nil-free Sink is always installed.
type Sink interface {
	BackendUp(backendID string, addr *net.UDPAddr, rtt time.Duration)
	BackendDown(backendID string, addr *net.UDPAddr, consecutiveFailures int)
	SessionOpened(clientAddr net.Addr, backendID string)
	SessionClosed(clientAddr net.Addr, backendID string, reason string)
	ReloadComplete(generation uint64, backendCount int)
	MotdRefreshed(source string, live bool)
}

// MultiSink fans every event out to a fixed list of sinks.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) BackendUp(backendID string, addr *net.UDPAddr, rtt time.Duration) {
	for _, s := range m.sinks {
		s.BackendUp(backendID, addr, rtt)
	}
}

func (m *MultiSink) BackendDown(backendID string, addr *net.UDPAddr, consecutiveFailures int) {
	for _, s := range m.sinks {
		s.BackendDown(backendID, addr, consecutiveFailures)
	}
}

func (m *MultiSink) SessionOpened(clientAddr net.Addr, backendID string) {
	for _, s := range m.sinks {
		s.SessionOpened(clientAddr, backendID)
	}
}

func (m *MultiSink) SessionClosed(clientAddr net.Addr, backendID string, reason string) {
	for _, s := range m.sinks {
		s.SessionClosed(clientAddr, backendID, reason)
	}
}

func (m *MultiSink) ReloadComplete(generation uint64, backendCount int) {
	for _, s := range m.sinks {
		s.ReloadComplete(generation, backendCount)
	}
}

func (m *MultiSink) MotdRefreshed(source string, live bool) {
	for _, s := range m.sinks {
		s.MotdRefreshed(source, live)
	}
}
