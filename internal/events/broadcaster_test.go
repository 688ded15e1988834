package events

import (
	"testing"
	"time"
)

func TestBroadcasterSubscribeUnsubscribe(t *testing.T) {
	b := NewBroadcaster()

	ch1 := b.Subscribe("t1")
	ch2 := b.Subscribe("t1")
	ch3 := b.Subscribe("t2")

	if b.Count() != 3 {
		t.Fatalf("expected 3 subscribers, got %d", b.Count())
	}

	b.Unsubscribe("t1", ch1)
	if b.Count() != 2 {
		t.Fatalf("expected 2 subscribers after unsubscribe, got %d", b.Count())
	}

	b.Unsubscribe("t1", ch2)
	b.Unsubscribe("t2", ch3)
	if b.Count() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", b.Count())
	}
}

func TestBroadcasterPublish(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("t1")
	defer b.Unsubscribe("t1", ch)

	b.Publish(Event{
		TransferID:       "t1",
		State:            "uploading",
		BytesTransferred: 10,
		TotalBytes:       100,
	})

	select {
	case received := <-ch:
		if received.State != "uploading" {
			t.Errorf("expected state uploading, got %s", received.State)
		}
		if received.BytesTransferred != 10 {
			t.Errorf("expected 10 bytes, got %d", received.BytesTransferred)
		}
		if received.Timestamp == 0 {
			t.Error("expected non-zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcasterIsolatesTransfers(t *testing.T) {
	b := NewBroadcaster()
	ch1 := b.Subscribe("t1")
	ch2 := b.Subscribe("t2")
	defer b.Unsubscribe("t1", ch1)
	defer b.Unsubscribe("t2", ch2)

	b.Publish(Event{TransferID: "t1", State: "uploading"})

	select {
	case <-ch1:
	case <-time.After(time.Second):
		t.Fatal("t1 subscriber should receive its event")
	}

	select {
	case e := <-ch2:
		t.Fatalf("t2 subscriber must not receive t1 events, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterSnapshotOnSubscribe(t *testing.T) {
	b := NewBroadcaster()
	b.Publish(Event{TransferID: "t1", State: "uploading", BytesTransferred: 42, TotalBytes: 100})

	// A late subscriber gets the current snapshot, not history.
	b.Publish(Event{TransferID: "t1", State: "uploading", BytesTransferred: 84, TotalBytes: 100})
	ch := b.Subscribe("t1")
	defer b.Unsubscribe("t1", ch)

	select {
	case e := <-ch:
		if e.BytesTransferred != 84 {
			t.Errorf("expected latest snapshot with 84 bytes, got %d", e.BytesTransferred)
		}
	case <-time.After(time.Second):
		t.Fatal("expected snapshot on subscribe")
	}

	select {
	case e := <-ch:
		t.Fatalf("expected exactly one snapshot, got extra event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsForSlowConsumer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("t1")
	defer b.Unsubscribe("t1", ch)

	// Overflow the buffer; Publish must never block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			b.Publish(Event{TransferID: "t1", BytesTransferred: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}
}

func TestBroadcasterCloseTransfer(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("t1")
	b.Publish(Event{TransferID: "t1", State: "completed"})
	b.CloseTransfer("t1")

	// Drain: the pending event, then the close.
	for {
		if _, ok := <-ch; !ok {
			break
		}
	}
	if b.Count() != 0 {
		t.Errorf("expected 0 subscribers after close, got %d", b.Count())
	}

	// Snapshot is gone for new subscribers.
	ch2 := b.Subscribe("t1")
	defer b.Unsubscribe("t1", ch2)
	select {
	case e := <-ch2:
		t.Fatalf("expected no snapshot after CloseTransfer, got %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}
