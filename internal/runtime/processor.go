package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hivegrid/hivegrid/internal/bus"
)

// DefaultDrainLimit caps DrainAgentQueue when the caller passes zero.
const DefaultDrainLimit = 100

// TurnRunner runs one agent turn to completion.
type TurnRunner interface {
	RunTurn(ctx context.Context, agentID string)
}

// Processor picks eligible agents and spawns their turns, keeping the
// number of concurrent turns under the configured cap.
type Processor struct {
	state         *State
	bus           *bus.Bus
	runner        TurnRunner
	maxConcurrent int
	logger        *slog.Logger

	wg sync.WaitGroup
}

// NewProcessor wires a processor. maxConcurrent below 1 is coerced to 1.
func NewProcessor(state *State, b *bus.Bus, runner TurnRunner, maxConcurrent int, logger *slog.Logger) *Processor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		state:         state,
		bus:           b,
		runner:        runner,
		maxConcurrent: maxConcurrent,
		logger:        logger,
	}
}

// ScheduleOne starts one turn for the least-recently-active eligible agent.
// Returns false when the concurrency cap is reached or nothing is eligible.
func (p *Processor) ScheduleOne(ctx context.Context) bool {
	return p.scheduleOne(ctx, true)
}

// DeliverOneRound schedules synchronously until nothing is eligible. Turns
// run inline, so on return every queued message that could be processed has
// been. Intended for tests and drain paths.
func (p *Processor) DeliverOneRound(ctx context.Context) {
	for p.scheduleOne(ctx, false) {
	}
}

func (p *Processor) scheduleOne(ctx context.Context, async bool) bool {
	if p.state.ActiveCount() >= p.maxConcurrent {
		return false
	}
	agentID, ok := p.pickAgent()
	if !ok {
		return false
	}
	if !p.state.MarkActive(agentID) {
		return false
	}

	if !async {
		defer p.state.UnmarkActive(agentID)
		p.runner.RunTurn(ctx, agentID)
		return true
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.state.UnmarkActive(agentID)
		p.runner.RunTurn(ctx, agentID)
	}()
	return true
}

// pickAgent selects the least-recently-active agent with pending mail that
// is schedulable and not already mid-turn.
func (p *Processor) pickAgent() (string, bool) {
	var (
		best     string
		bestTime time.Time
		found    bool
	)
	for _, recipient := range p.bus.Recipients() {
		if recipient == bus.UserRecipient {
			continue
		}
		if p.bus.InboxSize(recipient) == 0 {
			continue
		}
		if !p.state.Status(recipient).Schedulable() {
			continue
		}
		if p.state.IsActive(recipient) {
			continue
		}
		last := p.state.LastActivity(recipient)
		if !found || last.Before(bestTime) {
			best, bestTime, found = recipient, last, true
		}
	}
	return best, found
}

// DrainAgentQueue processes one agent's pending messages serially, at most
// maxMessages of them; messages beyond the cap stay queued. Used during
// termination and in test fixtures.
func (p *Processor) DrainAgentQueue(ctx context.Context, agentID string, maxMessages int) int {
	if maxMessages <= 0 {
		maxMessages = DefaultDrainLimit
	}
	// A turn flushes the whole inbox, so the backlog beyond the cap is set
	// aside up front and requeued once the drain is done.
	deferred := p.bus.SplitInbox(agentID, maxMessages)
	defer p.bus.Requeue(agentID, deferred)

	processed := 0
	for processed < maxMessages {
		pending := p.bus.InboxSize(agentID)
		if pending == 0 {
			break
		}
		if !p.state.Status(agentID).Schedulable() {
			break
		}
		if !p.state.MarkActive(agentID) {
			break
		}
		p.runner.RunTurn(ctx, agentID)
		p.state.UnmarkActive(agentID)
		consumed := pending - p.bus.InboxSize(agentID)
		if consumed <= 0 {
			break
		}
		processed += consumed
	}
	return processed
}

// Wait blocks until every in-flight turn spawned by ScheduleOne finishes.
func (p *Processor) Wait() {
	p.wg.Wait()
}
