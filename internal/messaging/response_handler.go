package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/interp"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

// ResponseHandler consumes inbound messages from a transport, maps the sender
// address to a participant, and feeds the text into the suspended
// conversation. Anything that cannot be correlated to an awaiting question is
// recorded as RECEIVED_UNEXPECTEDLY; inbound text is never discarded for a
// known participant.
type ResponseHandler struct {
	store  store.Store
	interp *interp.Interpreter
	dialog *dialog.Manager
	pool   *worker.Pool

	wg sync.WaitGroup
}

// NewResponseHandler wires the inbound path.
func NewResponseHandler(st store.Store, in *interp.Interpreter, dm *dialog.Manager, pool *worker.Pool) *ResponseHandler {
	return &ResponseHandler{store: st, interp: in, dialog: dm, pool: pool}
}

// Start consumes responses until the channel closes.
func (h *ResponseHandler) Start(responses <-chan models.Response) {
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for resp := range responses {
			h.dispatch(resp)
		}
		slog.Info("ResponseHandler response stream closed")
	}()
}

// Wait blocks until the consumer goroutine exits.
func (h *ResponseHandler) Wait() {
	h.wg.Wait()
}

// dispatch routes one inbound message onto the participant's serialized lane.
func (h *ResponseHandler) dispatch(resp models.Response) {
	participant, err := h.store.GetParticipantByPhone(resp.From)
	if err != nil {
		slog.Error("ResponseHandler participant lookup failed", "error", err, "from", resp.From)
		return
	}
	if participant == nil {
		slog.Warn("ResponseHandler inbound message from unknown number", "from", resp.From)
		return
	}

	pid := participant.ID
	submitted := h.pool == nil
	if h.pool != nil {
		submitted = h.pool.Submit(pid, func(ctx context.Context) {
			h.Handle(ctx, pid, resp)
		})
	} else {
		h.Handle(context.Background(), pid, resp)
	}
	if !submitted {
		slog.Warn("ResponseHandler dropped inbound message, pool stopped", "participantID", pid)
	}
}

// Handle feeds one inbound message into the participant's conversation. It
// runs on the participant's worker lane, so it never races a timeout wake.
func (h *ResponseHandler) Handle(ctx context.Context, participantID string, resp models.Response) {
	err := h.interp.Resume(ctx, participantID, resp.Body)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, models.ErrNoAwaitingMessage),
		errors.Is(err, models.ErrConversationCompleted),
		errors.Is(err, models.ErrDeadlinePassed),
		errors.Is(err, models.ErrTerminalState):
		if _, rerr := h.dialog.RecordUnexpected(participantID, resp.Channel, resp.Body); rerr != nil {
			slog.Error("ResponseHandler failed to record unexpected message", "error", rerr,
				"participantID", participantID)
		}
	case errors.Is(err, models.ErrCorruptState):
		// The interpreter already reset the participant; keep the text.
		if _, rerr := h.dialog.RecordUnexpected(participantID, resp.Channel, resp.Body); rerr != nil {
			slog.Error("ResponseHandler failed to record message after state reset", "error", rerr,
				"participantID", participantID)
		}
	default:
		slog.Error("ResponseHandler resume failed", "error", err, "participantID", participantID)
	}
}
