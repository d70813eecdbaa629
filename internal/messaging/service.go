// Package messaging provides the channel adapters that carry CoachPipe
// messages to and from participants. The engine composes messages and tracks
// their lifecycle; this package only moves text across the wire and reports
// what came back.
package messaging

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/models"
)

// ErrServiceStopped is returned when a send is attempted after Stop.
var ErrServiceStopped = errors.New("messaging service is stopped")

// Service is the transport contract for one channel.
type Service interface {
	// Start begins delivering inbound messages to Responses.
	Start(ctx context.Context) error
	// Stop shuts the service down and closes Responses.
	Stop() error
	// SendMessage delivers body to the recipient address.
	SendMessage(ctx context.Context, to, body string) error
	// Responses streams inbound participant messages.
	Responses() <-chan models.Response
}

// CanonicalizePhone normalizes a phone number for participant lookup: digits
// only, with a leading plus. Twilio's whatsapp: prefix is stripped.
func CanonicalizePhone(raw string) string {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "whatsapp:")
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "+" + b.String()
}

// MockService is an in-memory Service for tests and the dialogue simulator.
type MockService struct {
	mu        sync.Mutex
	sent      []SentMessage
	responses chan models.Response
	stopped   bool

	// SendErr, when set, makes SendMessage fail.
	SendErr error
}

// SentMessage records one outbound send through the mock.
type SentMessage struct {
	To   string
	Body string
}

// NewMockService creates a mock transport.
func NewMockService() *MockService {
	return &MockService{responses: make(chan models.Response, 16)}
}

// Start is a no-op for the mock.
func (m *MockService) Start(ctx context.Context) error { return nil }

// Stop closes the response stream.
func (m *MockService) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.stopped {
		m.stopped = true
		close(m.responses)
	}
	return nil
}

// SendMessage records the send.
func (m *MockService) SendMessage(ctx context.Context, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrServiceStopped
	}
	if m.SendErr != nil {
		return m.SendErr
	}
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Responses streams injected inbound messages.
func (m *MockService) Responses() <-chan models.Response { return m.responses }

// Inject simulates an inbound participant message.
func (m *MockService) Inject(r models.Response) {
	m.responses <- r
}

// Sent returns a copy of everything sent so far.
func (m *MockService) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
