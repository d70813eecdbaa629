package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/models"
)

func TestCanonicalizePhone(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"+1 (416) 555-0199", "+14165550199"},
		{"whatsapp:+14165550199", "+14165550199"},
		{"  14165550199 ", "+14165550199"},
		{"nonsense", ""},
		{"", ""},
	}
	for _, c := range cases {
		if got := CanonicalizePhone(c.in); got != c.want {
			t.Errorf("CanonicalizePhone(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMockServiceSendAndStop(t *testing.T) {
	m := NewMockService()
	ctx := context.Background()

	if err := m.SendMessage(ctx, "+15550001111", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	sent := m.Sent()
	if len(sent) != 1 || sent[0].Body != "hello" {
		t.Errorf("unexpected sends: %+v", sent)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := m.SendMessage(ctx, "+15550001111", "late"); err != ErrServiceStopped {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if _, open := <-m.Responses(); open {
		t.Error("expected response stream closed after Stop")
	}
	// Stop is idempotent.
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestTwilioWebhookDeliversInbound(t *testing.T) {
	clk := clock.NewFake(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC))
	svc, err := NewTwilioService(TwilioOpts{AccountSID: "AC123", AuthToken: "tok", FromNumber: "+15550009999"}, clk)
	if err != nil {
		t.Fatalf("NewTwilioService: %v", err)
	}

	form := url.Values{}
	form.Set("From", "+1 (416) 555-0199")
	form.Set("Body", "yes")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/xml" {
		t.Errorf("expected TwiML content type, got %q", ct)
	}

	select {
	case resp := <-svc.Responses():
		if resp.From != "+14165550199" {
			t.Errorf("expected canonical sender, got %q", resp.From)
		}
		if resp.Body != "yes" || resp.Channel != models.ChannelSMS {
			t.Errorf("unexpected response: %+v", resp)
		}
		if resp.Time != clk.Now().Unix() {
			t.Errorf("expected clock timestamp, got %d", resp.Time)
		}
	default:
		t.Fatal("inbound message not delivered to response stream")
	}
}

func TestTwilioWebhookRejectsMissingFrom(t *testing.T) {
	clk := clock.NewFake(time.Now())
	svc, err := NewTwilioService(TwilioOpts{AccountSID: "AC123", AuthToken: "tok", FromNumber: "+15550009999"}, clk)
	if err != nil {
		t.Fatalf("NewTwilioService: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader("Body=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler().ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestNewTwilioServiceValidatesConfig(t *testing.T) {
	clk := clock.NewFake(time.Now())
	if _, err := NewTwilioService(TwilioOpts{}, clk); err == nil {
		t.Error("expected error for missing credentials")
	}
	if _, err := NewTwilioService(TwilioOpts{AccountSID: "AC", AuthToken: "t"}, clk); err == nil {
		t.Error("expected error for missing from number")
	}
}

func TestTwilioWebhookDuringStopDoesNotPanic(t *testing.T) {
	clk := clock.NewFake(time.Now())
	svc, err := NewTwilioService(TwilioOpts{AccountSID: "AC123", AuthToken: "tok", FromNumber: "+15550009999"}, clk)
	if err != nil {
		t.Fatalf("NewTwilioService: %v", err)
	}

	post := func() {
		form := url.Values{}
		form.Set("From", "+14165550199")
		form.Set("Body", "yes")
		req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		svc.WebhookHandler().ServeHTTP(httptest.NewRecorder(), req)
	}

	// Hammer the webhook while Stop closes the stream; a panic here fails
	// the test. Drain so the buffered channel never forces a drop path.
	done := make(chan struct{})
	go func() {
		for range svc.Responses() {
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			post()
		}()
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	wg.Wait()
	<-done

	// After Stop the webhook refuses cleanly.
	form := url.Values{}
	form.Set("From", "+14165550199")
	form.Set("Body", "late")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.WebhookHandler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after Stop, got %d", rec.Code)
	}
}
