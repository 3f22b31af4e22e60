package events

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// LogSink emits every event as a structured logrus entry. It is always
// installed, even when a WebhookSink is also configured.
type LogSink struct{}

func (LogSink) BackendUp(backendID string, addr *net.UDPAddr, rtt time.Duration) {
	logrus.WithFields(logrus.Fields{
		"backend": backendID,
		"addr":    addr,
		"rtt":     rtt,
	}).Info("Backend server is now up")
}

func (LogSink) BackendDown(backendID string, addr *net.UDPAddr, consecutiveFailures int) {
	logrus.WithFields(logrus.Fields{
		"backend":  backendID,
		"addr":     addr,
		"failures": consecutiveFailures,
	}).Warn("Backend server is now down")
}

func (LogSink) SessionOpened(clientAddr net.Addr, backendID string) {
	logrus.WithFields(logrus.Fields{
		"client":  clientAddr,
		"backend": backendID,
	}).Debug("Session opened")
}

func (LogSink) SessionClosed(clientAddr net.Addr, backendID string, reason string) {
	logrus.WithFields(logrus.Fields{
		"client":  clientAddr,
		"backend": backendID,
		"reason":  reason,
	}).Debug("Session closed")
}

func (LogSink) ReloadComplete(generation uint64, backendCount int) {
	logrus.WithFields(logrus.Fields{
		"generation": generation,
		"backends":   backendCount,
	}).Info("Reload complete")
}

func (LogSink) MotdRefreshed(source string, live bool) {
	logrus.WithFields(logrus.Fields{
		"source": source,
		"live":   live,
	}).Debug("MOTD refreshed")
}
