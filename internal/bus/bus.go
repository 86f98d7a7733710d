// Package bus is the in-process message fabric: one FIFO inbox per
// recipient plus an append-only history. Delivery is pull-based; the
// message processor pops inboxes, the HTTP surface and tools push.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivegrid/hivegrid/internal/observability"
	"github.com/hivegrid/hivegrid/pkg/models"
)

// UserRecipient is the reserved recipient id for the human operator.
const UserRecipient = "user"

// ErrWaitTimeout is returned when WaitForUserMessage expires.
var ErrWaitTimeout = errors.New("timed out waiting for user message")

type waiter struct {
	predicate func(*models.Message) bool
	ch        chan *models.Message
}

// Bus routes immutable messages between agents. All operations are safe for
// concurrent use; ordering is strict FIFO per recipient.
type Bus struct {
	mu      sync.Mutex
	inboxes map[string][]*models.Message
	history []*models.Message

	// waiters for messages addressed to the user recipient, in
	// registration order. The earliest waiter whose predicate matches
	// consumes the message.
	waiters []*waiter

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates an empty bus. metrics may be nil.
func New(logger *slog.Logger, metrics *observability.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		inboxes: make(map[string][]*models.Message),
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// Send routes a message: assigns an id if absent, stamps the timestamp,
// appends to the recipient's inbox and to history. The stored message is a
// clone; the returned value reflects the assigned fields.
func (b *Bus) Send(msg *models.Message) *models.Message {
	stored := msg.Clone()
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = b.now()
	}

	b.mu.Lock()
	b.history = append(b.history, stored)

	delivered := false
	if stored.To == UserRecipient {
		for i, w := range b.waiters {
			if w.predicate == nil || w.predicate(stored) {
				b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
				w.ch <- stored
				delivered = true
				break
			}
		}
	}
	if !delivered {
		b.inboxes[stored.To] = append(b.inboxes[stored.To], stored)
	}
	depth := len(b.inboxes[stored.To])
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.MessagesDelivered.WithLabelValues(recipientKind(stored.To)).Inc()
		b.metrics.InboxDepth.WithLabelValues(stored.To).Set(float64(depth))
	}
	b.logger.Debug("message queued", "message_id", stored.ID,
		"from", stored.From, "to", stored.To, "task_id", stored.TaskID)
	return stored.Clone()
}

// Peek returns the next message for a recipient without consuming it.
func (b *Bus) Peek(to string) *models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	queue := b.inboxes[to]
	if len(queue) == 0 {
		return nil
	}
	return queue[0].Clone()
}

// Pop consumes the next message for a recipient, or nil when empty.
func (b *Bus) Pop(to string) *models.Message {
	b.mu.Lock()
	queue := b.inboxes[to]
	if len(queue) == 0 {
		b.mu.Unlock()
		return nil
	}
	msg := queue[0]
	b.inboxes[to] = queue[1:]
	depth := len(b.inboxes[to])
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.InboxDepth.WithLabelValues(to).Set(float64(depth))
	}
	return msg
}

// PopAll drains the recipient's inbox in FIFO order.
func (b *Bus) PopAll(to string) []*models.Message {
	b.mu.Lock()
	queue := b.inboxes[to]
	delete(b.inboxes, to)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.InboxDepth.WithLabelValues(to).Set(0)
	}
	return queue
}

// SplitInbox truncates the recipient's inbox to its first keep messages and
// returns the remainder in FIFO order. Used to bound how much of a backlog a
// drain may consume; the counterpart Requeue puts the remainder back.
func (b *Bus) SplitInbox(to string, keep int) []*models.Message {
	if keep < 0 {
		keep = 0
	}
	b.mu.Lock()
	queue := b.inboxes[to]
	if len(queue) <= keep {
		b.mu.Unlock()
		return nil
	}
	rest := queue[keep:]
	b.inboxes[to] = queue[:keep:keep]
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.InboxDepth.WithLabelValues(to).Set(float64(keep))
	}
	return rest
}

// Requeue appends messages to the recipient's inbox, preserving order.
func (b *Bus) Requeue(to string, msgs []*models.Message) {
	if len(msgs) == 0 {
		return
	}
	b.mu.Lock()
	b.inboxes[to] = append(b.inboxes[to], msgs...)
	depth := len(b.inboxes[to])
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.InboxDepth.WithLabelValues(to).Set(float64(depth))
	}
}

// InboxSize returns the number of queued messages for a recipient.
func (b *Bus) InboxSize(to string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inboxes[to])
}

// Recipients returns every recipient with a non-empty inbox.
func (b *Bus) Recipients() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.inboxes))
	for to, queue := range b.inboxes {
		if len(queue) > 0 {
			out = append(out, to)
		}
	}
	return out
}

// HistoryForTask returns all messages carrying the task id, oldest first.
func (b *Bus) HistoryForTask(taskID string) []*models.Message {
	return b.historyWhere(func(m *models.Message) bool { return m.TaskID == taskID })
}

// HistoryForAgent returns all messages sent to or from the agent.
func (b *Bus) HistoryForAgent(agentID string) []*models.Message {
	return b.historyWhere(func(m *models.Message) bool {
		return m.From == agentID || m.To == agentID
	})
}

func (b *Bus) historyWhere(match func(*models.Message) bool) []*models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.Message
	for _, m := range b.history {
		if match(m) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// WaitForUserMessage blocks until a message addressed to the user recipient
// matches the predicate, or until timeout/ctx cancellation. Already-queued
// user messages are scanned first. Concurrent waiters form a FIFO queue:
// each message goes to the earliest waiter whose predicate matches.
func (b *Bus) WaitForUserMessage(ctx context.Context, predicate func(*models.Message) bool, timeout time.Duration) (*models.Message, error) {
	b.mu.Lock()
	queue := b.inboxes[UserRecipient]
	for i, m := range queue {
		if predicate == nil || predicate(m) {
			b.inboxes[UserRecipient] = append(append([]*models.Message(nil), queue[:i]...), queue[i+1:]...)
			b.mu.Unlock()
			return m, nil
		}
	}
	w := &waiter{predicate: predicate, ch: make(chan *models.Message, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-w.ch:
		return msg, nil
	case <-timer.C:
		b.removeWaiter(w)
		// A message may have raced the timeout.
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		b.removeWaiter(w)
		select {
		case msg := <-w.ch:
			return msg, nil
		default:
		}
		return nil, ctx.Err()
	}
}

func (b *Bus) removeWaiter(target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// PendingInboxes snapshots every non-empty inbox for persistence.
func (b *Bus) PendingInboxes() map[string][]*models.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]*models.Message, len(b.inboxes))
	for to, queue := range b.inboxes {
		if len(queue) == 0 {
			continue
		}
		clones := make([]*models.Message, len(queue))
		for i, m := range queue {
			clones[i] = m.Clone()
		}
		out[to] = clones
	}
	return out
}

// RestoreInbox requeues persisted messages, preserving order. Used only
// during snapshot restore before the processor starts.
func (b *Bus) RestoreInbox(to string, msgs []*models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range msgs {
		b.inboxes[to] = append(b.inboxes[to], m.Clone())
	}
}

func recipientKind(to string) string {
	switch to {
	case UserRecipient:
		return "user"
	case "root":
		return "root"
	default:
		return "agent"
	}
}
