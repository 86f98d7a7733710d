package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hivegrid/hivegrid/pkg/models"
)

func TestSendAssignsIDAndTimestamp(t *testing.T) {
	b := New(nil, nil)
	sent := b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload("hi")})
	if sent.ID == "" {
		t.Error("id not assigned")
	}
	if sent.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestFIFOPerRecipient(t *testing.T) {
	b := New(nil, nil)
	for i := 0; i < 5; i++ {
		b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload(fmt.Sprintf("m%d", i))})
	}
	if got := b.InboxSize("b"); got != 5 {
		t.Fatalf("inbox size = %d, want 5", got)
	}
	for i := 0; i < 5; i++ {
		msg := b.Pop("b")
		if msg == nil {
			t.Fatalf("pop %d returned nil", i)
		}
		if want := fmt.Sprintf("m%d", i); msg.Payload.Text != want {
			t.Errorf("pop %d = %q, want %q", i, msg.Payload.Text, want)
		}
	}
	if b.Pop("b") != nil {
		t.Error("pop on empty inbox should return nil")
	}
}

func TestHistoryForTask(t *testing.T) {
	b := New(nil, nil)
	b.Send(&models.Message{From: "a", To: "b", TaskID: "t1", Payload: models.TextPayload("one")})
	b.Send(&models.Message{From: "a", To: "c", TaskID: "t2", Payload: models.TextPayload("two")})
	b.Send(&models.Message{From: "c", To: "a", TaskID: "t1", Payload: models.TextPayload("three")})

	history := b.HistoryForTask("t1")
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Payload.Text != "one" || history[1].Payload.Text != "three" {
		t.Errorf("history out of order: %v, %v", history[0].Payload.Text, history[1].Payload.Text)
	}
}

func TestWaitForUserMessageMatchesQueued(t *testing.T) {
	b := New(nil, nil)
	b.Send(&models.Message{From: "agent-1", To: UserRecipient, Payload: models.TextPayload("done")})

	msg, err := b.WaitForUserMessage(context.Background(), func(m *models.Message) bool {
		return m.Payload.Text == "done"
	}, time.Second)
	if err != nil {
		t.Fatalf("WaitForUserMessage: %v", err)
	}
	if msg.Payload.Text != "done" {
		t.Errorf("got %q", msg.Payload.Text)
	}
	if b.InboxSize(UserRecipient) != 0 {
		t.Error("matched message should be consumed from the inbox")
	}
}

func TestWaitForUserMessageTimeout(t *testing.T) {
	b := New(nil, nil)
	_, err := b.WaitForUserMessage(context.Background(), nil, 20*time.Millisecond)
	if err != ErrWaitTimeout {
		t.Errorf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestEarliestWaiterWins(t *testing.T) {
	b := New(nil, nil)

	type result struct {
		order int
		msg   *models.Message
		err   error
	}
	results := make(chan result, 2)
	ready := make(chan struct{}, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		order := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			ready <- struct{}{}
			msg, err := b.WaitForUserMessage(context.Background(), nil, 2*time.Second)
			results <- result{order: order, msg: msg, err: err}
		}()
		<-ready
		// Give the goroutine time to register before the next one so
		// registration order matches spawn order.
		time.Sleep(20 * time.Millisecond)
	}

	b.Send(&models.Message{From: "a", To: UserRecipient, Payload: models.TextPayload("only")})
	first := <-results
	if first.err != nil {
		t.Fatalf("first waiter error: %v", first.err)
	}
	if first.order != 0 {
		t.Errorf("message went to waiter %d, want earliest (0)", first.order)
	}

	b.Send(&models.Message{From: "a", To: UserRecipient, Payload: models.TextPayload("second")})
	wg.Wait()
	second := <-results
	if second.err != nil {
		t.Fatalf("second waiter error: %v", second.err)
	}
}

func TestConcurrentSendPop(t *testing.T) {
	b := New(nil, nil)
	const n = 100
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload("x")})
		}
	}()
	popped := 0
	go func() {
		defer wg.Done()
		deadline := time.Now().Add(2 * time.Second)
		for popped < n && time.Now().Before(deadline) {
			if b.Pop("b") != nil {
				popped++
			}
		}
	}()
	wg.Wait()
	if popped != n {
		t.Errorf("popped %d of %d", popped, n)
	}
}

func TestSplitInboxAndRequeue(t *testing.T) {
	b := New(nil, nil)
	for i := 0; i < 5; i++ {
		b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload(fmt.Sprintf("m%d", i))})
	}

	rest := b.SplitInbox("b", 3)
	if len(rest) != 2 || rest[0].Payload.Text != "m3" || rest[1].Payload.Text != "m4" {
		t.Fatalf("rest = %+v, want [m3 m4]", rest)
	}
	if got := b.InboxSize("b"); got != 3 {
		t.Fatalf("inbox = %d after split, want 3", got)
	}

	b.Requeue("b", rest)
	for i := 0; i < 5; i++ {
		if want := fmt.Sprintf("m%d", i); b.Pop("b").Payload.Text != want {
			t.Fatalf("pop %d broke FIFO order", i)
		}
	}
}

func TestSplitInboxNoOpWhenUnderKeep(t *testing.T) {
	b := New(nil, nil)
	b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload("only")})
	if rest := b.SplitInbox("b", 3); rest != nil {
		t.Errorf("rest = %+v, want nil", rest)
	}
	if got := b.InboxSize("b"); got != 1 {
		t.Errorf("inbox = %d, want 1", got)
	}
}

func TestPendingInboxRoundTrip(t *testing.T) {
	b := New(nil, nil)
	b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload("one")})
	b.Send(&models.Message{From: "a", To: "b", Payload: models.TextPayload("two")})

	pending := b.PendingInboxes()
	if len(pending["b"]) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending["b"]))
	}

	restored := New(nil, nil)
	restored.RestoreInbox("b", pending["b"])
	if restored.Pop("b").Payload.Text != "one" {
		t.Error("restore broke FIFO order")
	}
}
