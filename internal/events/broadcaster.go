// Package events provides the SSE progress broadcaster for transfers.
//
// Delivery is best-effort and at-most-once per event: a slow subscriber
// drops events rather than blocking the transfer loop. A reconnecting
// subscriber receives the latest snapshot for its transfer, not replayed
// deltas.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/threadvault/threadvault/internal/metrics"
)

// Event is one progress update for a transfer.
type Event struct {
	TransferID       string `json:"transferId"`
	State            string `json:"state"`
	BytesTransferred int64  `json:"bytesTransferred"`
	TotalBytes       int64  `json:"totalBytes"`
	ErrorKind        string `json:"errorKind,omitempty"`
	Error            string `json:"error,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// Broadcaster manages per-transfer subscribers and publishes progress.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	latest map[string]Event
}

// NewBroadcaster creates a new progress broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:   make(map[string]map[chan Event]struct{}),
		latest: make(map[string]Event),
	}
}

// Subscribe adds a subscriber for one transfer and returns its channel,
// seeded with the latest snapshot if the transfer has published before.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe(transferID string) chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	if b.subs[transferID] == nil {
		b.subs[transferID] = make(map[chan Event]struct{})
	}
	b.subs[transferID][ch] = struct{}{}
	if snapshot, ok := b.latest[transferID]; ok {
		ch <- snapshot
	}
	b.mu.Unlock()
	metrics.SetProgressSubscribers(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(transferID string, ch chan Event) {
	b.mu.Lock()
	if set, ok := b.subs[transferID]; ok {
		if _, member := set[ch]; member {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(b.subs, transferID)
		}
	}
	b.mu.Unlock()
	metrics.SetProgressSubscribers(int64(b.Count()))
}

// Publish sends an event to the transfer's subscribers and retains it as
// the snapshot for later subscribers. Non-blocking: drops events for slow
// consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.Lock()
	b.latest[event.TransferID] = event
	for ch := range b.subs[event.TransferID] {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	b.mu.Unlock()
	metrics.RecordProgressEvent()
}

// CloseTransfer drops the snapshot and closes all subscriber channels for
// a transfer. Called when the transfer leaves the retention window.
func (b *Broadcaster) CloseTransfer(transferID string) {
	b.mu.Lock()
	for ch := range b.subs[transferID] {
		close(ch)
	}
	delete(b.subs, transferID)
	delete(b.latest, transferID)
	b.mu.Unlock()
	metrics.SetProgressSubscribers(int64(b.Count()))
}

// Count returns the current number of subscribers across all transfers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
