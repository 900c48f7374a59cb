package s2s

import (
	"context"
	"sync"
)

// DefaultQueueCapacity bounds the voice client input queue.
const DefaultQueueCapacity = 256

// ItemKind classifies an input queue item. Order matters: higher values are
// drained first.
type ItemKind int

const (
	KindAudio ItemKind = iota
	KindText
	KindToolResult
)

// Item is one unit of outbound session input.
type Item struct {
	Kind ItemKind

	// Audio is the PCM16 chunk for KindAudio items.
	Audio []byte

	// Text is the user text for KindText items.
	Text string

	// ToolUseID, Payload and IsError describe a KindToolResult item.
	ToolUseID string
	Payload   map[string]any
	IsError   bool
}

// InputQueue is the bounded priority buffer between the runtime and a voice
// model stream. Tool results are drained before text, text before audio.
// Pushes never block: when the queue is full the oldest audio chunk is
// dropped to make room, and text or tool results are always accepted. Audio
// is the only class that can be shed because a lost chunk costs a few
// milliseconds of speech while a lost tool result wedges the model forever.
type InputQueue struct {
	mu       sync.Mutex
	capacity int
	audio    []Item
	text     []Item
	tool     []Item
	dropped  uint64
	closed   bool

	// notify wakes a blocked Pop when an item arrives or the queue closes.
	notify chan struct{}
}

// NewInputQueue returns a queue bounded to capacity items in total.
// A capacity of 0 or less uses [DefaultQueueCapacity].
func NewInputQueue(capacity int) *InputQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &InputQueue{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push enqueues item. It reports whether the item was accepted: audio offered
// to a full queue holding no other audio is rejected, everything else is
// accepted. When a full queue does hold audio, the oldest chunk is dropped.
func (q *InputQueue) Push(item Item) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.size() >= q.capacity {
		if len(q.audio) > 0 {
			q.audio = q.audio[1:]
			q.dropped++
		} else if item.Kind == KindAudio {
			q.dropped++
			q.mu.Unlock()
			return false
		}
		// Text and tool results may transiently exceed capacity rather than
		// be lost.
	}

	switch item.Kind {
	case KindToolResult:
		q.tool = append(q.tool, item)
	case KindText:
		q.text = append(q.text, item)
	default:
		q.audio = append(q.audio, item)
	}
	q.mu.Unlock()

	q.wake()
	return true
}

// Pop blocks until an item is available, the queue is closed and empty, or
// ctx is done. The second return is false when no item will ever arrive.
func (q *InputQueue) Pop(ctx context.Context) (Item, bool) {
	for {
		q.mu.Lock()
		if item, ok := q.takeLocked(); ok {
			q.mu.Unlock()
			return item, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Item{}, false
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Item{}, false
		}
	}
}

// TryPop returns the next item without blocking.
func (q *InputQueue) TryPop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.takeLocked()
}

// Close marks the queue closed. Items already queued remain poppable;
// further pushes are rejected.
func (q *InputQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// Len reports the number of queued items.
func (q *InputQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size()
}

// Dropped reports the cumulative count of shed audio chunks.
func (q *InputQueue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

func (q *InputQueue) size() int {
	return len(q.audio) + len(q.text) + len(q.tool)
}

func (q *InputQueue) takeLocked() (Item, bool) {
	switch {
	case len(q.tool) > 0:
		item := q.tool[0]
		q.tool = q.tool[1:]
		return item, true
	case len(q.text) > 0:
		item := q.text[0]
		q.text = q.text[1:]
		return item, true
	case len(q.audio) > 0:
		item := q.audio[0]
		q.audio = q.audio[1:]
		return item, true
	default:
		return Item{}, false
	}
}

func (q *InputQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
