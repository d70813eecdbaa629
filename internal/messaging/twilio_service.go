package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/twilio/twilio-go"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

// TwilioOpts configures the Twilio SMS transport.
type TwilioOpts struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioService sends SMS through the Twilio REST API and receives replies
// through the inbound webhook (see WebhookHandler).
type TwilioService struct {
	client *twilio.RestClient
	from   string
	clock  clock.Clock

	mu        sync.RWMutex
	responses chan models.Response
	stopped   bool
}

// NewTwilioService creates a Twilio-backed transport.
func NewTwilioService(opts TwilioOpts, clk clock.Clock) (*TwilioService, error) {
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, fmt.Errorf("twilio account SID and auth token are required")
	}
	if opts.FromNumber == "" {
		return nil, fmt.Errorf("twilio from number is required")
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: opts.AccountSID,
		Password: opts.AuthToken,
	})
	return &TwilioService{
		client:    client,
		from:      opts.FromNumber,
		clock:     clk,
		responses: make(chan models.Response, 64),
	}, nil
}

// Start is a no-op; inbound delivery begins when the webhook is mounted.
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Info("TwilioService started", "from", s.from)
	return nil
}

// Stop closes the response stream. In-flight webhook deliveries are dropped.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.responses)
	}
	slog.Info("TwilioService stopped")
	return nil
}

// SendMessage sends one SMS via the Twilio REST API.
func (s *TwilioService) SendMessage(ctx context.Context, to, body string) error {
	s.mu.RLock()
	stopped := s.stopped
	s.mu.RUnlock()
	if stopped {
		return ErrServiceStopped
	}

	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(s.from)
	params.SetBody(body)

	resp, err := s.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("TwilioService SendMessage failed", "error", err, "to", to)
		return fmt.Errorf("twilio send to %s: %w", to, err)
	}
	sid := ""
	if resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("TwilioService SendMessage succeeded", "to", to, "sid", sid)
	return nil
}

// Responses streams inbound SMS delivered by the webhook.
func (s *TwilioService) Responses() <-chan models.Response { return s.responses }

// WebhookHandler accepts Twilio's inbound SMS callback (form-encoded POST
// with From and Body) and feeds it into the response stream. It replies with
// an empty TwiML document so Twilio does not send an auto-reply.
func (s *TwilioService) WebhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		from := r.PostFormValue("From")
		body := r.PostFormValue("Body")
		if from == "" {
			http.Error(w, "missing From", http.StatusBadRequest)
			return
		}

		resp := models.Response{
			From:    CanonicalizePhone(from),
			Channel: models.ChannelSMS,
			Body:    body,
			Time:    s.clock.Now().Unix(),
		}

		// The read lock is held across the send so Stop cannot close the
		// stream between the check and the enqueue.
		s.mu.RLock()
		if s.stopped {
			s.mu.RUnlock()
			http.Error(w, "service stopped", http.StatusServiceUnavailable)
			return
		}
		select {
		case s.responses <- resp:
		default:
			slog.Warn("TwilioService webhook queue full, dropping inbound message", "from", resp.From)
		}
		s.mu.RUnlock()

		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
	}
}
