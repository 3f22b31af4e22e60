package events

import (
	"bytes"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// WebhookSink POSTs a JSON payload to a configured URL for every event,
// adapted from the teacher repo's webhook connection notifier.
type WebhookSink struct {
	url    string
	client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		url: url,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type webhookPayload struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`

	Backend             string        `json:"backend,omitempty"`
	Addr                string        `json:"addr,omitempty"`
	RTT                 time.Duration `json:"rtt,omitempty"`
	ConsecutiveFailures int           `json:"consecutive_failures,omitempty"`
	Client              string        `json:"client,omitempty"`
	Reason              string        `json:"reason,omitempty"`
	Generation          uint64        `json:"generation,omitempty"`
	BackendCount        int           `json:"backend_count,omitempty"`
	Source              string        `json:"source,omitempty"`
	Live                bool          `json:"live,omitempty"`
}

func (w *WebhookSink) post(p *webhookPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		logrus.WithError(err).Error("Failed to marshal webhook payload")
		return
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(body))
	if err != nil {
		logrus.WithError(err).WithField("url", w.url).Error("Failed to call event webhook")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		logrus.WithField("status", resp.StatusCode).WithField("url", w.url).
			Warn("Event webhook returned non-2xx status")
	}
}

func (w *WebhookSink) BackendUp(backendID string, addr *net.UDPAddr, rtt time.Duration) {
	w.post(&webhookPayload{Event: "backend_up", Timestamp: time.Now(), Backend: backendID, Addr: addr.String(), RTT: rtt})
}

func (w *WebhookSink) BackendDown(backendID string, addr *net.UDPAddr, consecutiveFailures int) {
	w.post(&webhookPayload{Event: "backend_down", Timestamp: time.Now(), Backend: backendID, Addr: addr.String(), ConsecutiveFailures: consecutiveFailures})
}

func (w *WebhookSink) SessionOpened(clientAddr net.Addr, backendID string) {
	w.post(&webhookPayload{Event: "session_opened", Timestamp: time.Now(), Client: clientAddr.String(), Backend: backendID})
}

func (w *WebhookSink) SessionClosed(clientAddr net.Addr, backendID string, reason string) {
	w.post(&webhookPayload{Event: "session_closed", Timestamp: time.Now(), Client: clientAddr.String(), Backend: backendID, Reason: reason})
}

func (w *WebhookSink) ReloadComplete(generation uint64, backendCount int) {
	w.post(&webhookPayload{Event: "reload_complete", Timestamp: time.Now(), Generation: generation, BackendCount: backendCount})
}

func (w *WebhookSink) MotdRefreshed(source string, live bool) {
	w.post(&webhookPayload{Event: "motd_refreshed", Timestamp: time.Now(), Source: source, Live: live})
}
