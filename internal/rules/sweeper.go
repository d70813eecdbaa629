package rules

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/clock"
	"github.com/BTreeMap/CoachPipe/internal/dialog"
	"github.com/BTreeMap/CoachPipe/internal/models"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/worker"
)

// Sender delivers a message body to a recipient address.
type Sender interface {
	SendMessage(ctx context.Context, to, body string) error
}

// Sweeper runs the periodic rule sweep: it evaluates the rule forest for
// every active participant and sends one message from each triggered
// message group. Per-participant work goes through the worker pool so sweeps
// never race conversation transitions.
type Sweeper struct {
	store   store.Store
	clock   clock.Clock
	engine  *Engine
	dialog  *dialog.Manager
	sender  Sender
	pool    *worker.Pool
	channel models.Channel

	// pick selects a template index; tests pin it.
	pick func(n int) int
}

// NewSweeper wires the sweep orchestrator.
func NewSweeper(st store.Store, clk clock.Clock, engine *Engine, dm *dialog.Manager,
	sender Sender, pool *worker.Pool, channel models.Channel) *Sweeper {
	return &Sweeper{
		store:   st,
		clock:   clk,
		engine:  engine,
		dialog:  dm,
		sender:  sender,
		pool:    pool,
		channel: channel,
		pick:    rand.Intn,
	}
}

// SweepAll evaluates the rule forest for every active participant. It blocks
// until every participant's sweep has run.
func (s *Sweeper) SweepAll(ctx context.Context) error {
	started := s.clock.Now()
	forest, err := s.engine.LoadForest()
	if err != nil {
		return err
	}
	participants, err := s.store.ListActiveParticipants()
	if err != nil {
		slog.Error("Sweeper participant listing failed", "error", err)
		return err
	}

	var wg sync.WaitGroup
	for _, p := range participants {
		pid := p.ID
		phone := p.PhoneNumber
		run := func(ctx context.Context) {
			s.sweepOne(ctx, forest, pid, phone)
		}
		if s.pool != nil {
			wg.Add(1)
			if !s.pool.Submit(pid, func(ctx context.Context) {
				defer wg.Done()
				run(ctx)
			}) {
				wg.Done()
			}
			continue
		}
		run(ctx)
	}
	wg.Wait()

	slog.Info("Sweeper sweep completed", "participants", len(participants),
		"elapsed", time.Since(started).String())
	return nil
}

// SweepParticipant evaluates the forest for one participant and returns the
// triggered groups. It runs inline; callers that need serialization against
// replies and timer wakes submit it to the participant's lane.
func (s *Sweeper) SweepParticipant(ctx context.Context, participantID string) ([]TriggeredGroup, error) {
	forest, err := s.engine.LoadForest()
	if err != nil {
		return nil, err
	}
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	phone := participantID
	if p != nil {
		phone = p.PhoneNumber
	}
	return s.sweepOne(ctx, forest, participantID, phone), nil
}

func (s *Sweeper) sweepOne(ctx context.Context, forest *Forest, participantID, phone string) []TriggeredGroup {
	triggered := s.engine.SweepForest(ctx, forest, participantID)
	for _, tg := range triggered {
		if err := s.deliver(ctx, participantID, phone, tg); err != nil {
			slog.Error("Sweeper delivery failed", "error", err, "participantID", participantID,
				"ruleID", tg.RuleID, "messageGroupID", tg.MessageGroupID)
		}
	}
	return triggered
}

// deliver sends one message from the triggered group through the dialog
// lifecycle.
func (s *Sweeper) deliver(ctx context.Context, participantID, phone string, tg TriggeredGroup) error {
	group, err := s.store.GetMessageGroup(tg.MessageGroupID)
	if err != nil {
		return err
	}
	if group == nil || len(group.Templates) == 0 {
		slog.Warn("Sweeper triggered rule has no usable message group", "ruleID", tg.RuleID,
			"messageGroupID", tg.MessageGroupID)
		return nil
	}

	template := group.Templates[s.pick(len(group.Templates))]
	body := s.engine.ResolvePlaceholders(participantID, template)

	msg, err := s.dialog.Create(participantID, s.channel, body, false, "", time.Time{})
	if err != nil {
		return err
	}
	return s.dialog.Dispatch(msg.ID, func() error {
		return s.sender.SendMessage(ctx, phone, body)
	})
}
