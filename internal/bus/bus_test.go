package bus_test

import (
	"testing"

	"github.com/basket/cronpilot/internal/bus"
)

func TestPrefixMatching(t *testing.T) {
	b := bus.New()
	execSub := b.Subscribe("exec.")
	allSub := b.Subscribe("")
	defer b.Unsubscribe(execSub)
	defer b.Unsubscribe(allSub)

	b.Publish(bus.TopicExecStarted, "e1")
	b.Publish(bus.TopicApprovalDecided, "a1")

	ev := <-execSub.Ch()
	if ev.Topic != bus.TopicExecStarted {
		t.Fatalf("topic = %s", ev.Topic)
	}
	select {
	case ev := <-execSub.Ch():
		t.Fatalf("exec subscriber got %s", ev.Topic)
	default:
	}

	if ev := <-allSub.Ch(); ev.Topic != bus.TopicExecStarted {
		t.Fatalf("first = %s", ev.Topic)
	}
	if ev := <-allSub.Ch(); ev.Topic != bus.TopicApprovalDecided {
		t.Fatalf("second = %s", ev.Topic)
	}
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("exec.")
	defer b.Unsubscribe(sub)

	// Overflow the buffer; Publish must never block.
	for i := 0; i < 500; i++ {
		b.Publish(bus.TopicExecOutput, i)
	}

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
		default:
			if received == 0 || received > 500 {
				t.Fatalf("received = %d", received)
			}
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second call is a no-op

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("count = %d", b.SubscriberCount())
	}
}
