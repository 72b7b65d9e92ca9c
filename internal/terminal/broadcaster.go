package terminal

import (
	"strings"
	"sync"
	"sync/atomic"

	"vibedeck/internal/buffer"
)

const DefaultBufferLines = 500

// Broadcaster fans output to multiple subscribers without blocking on slow
// listeners and keeps a bounded scrollback of complete lines.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uint64]chan []byte
	nextSubID   uint64
	lines       *buffer.Ring[string]
	partial     strings.Builder
	closed      bool
	closeOnce   sync.Once
}

func NewBroadcaster(bufferLines int) *Broadcaster {
	if bufferLines <= 0 {
		bufferLines = DefaultBufferLines
	}
	return &Broadcaster{
		subscribers: make(map[uint64]chan []byte),
		lines:       buffer.NewRing[string](bufferLines),
	}
}

func (b *Broadcaster) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 128)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subscribers[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if existing, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(existing)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

func (b *Broadcaster) Broadcast(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	b.appendLocked(chunk)
	if b.closed {
		b.mu.Unlock()
		return
	}
	for _, ch := range b.subscribers {
		select {
		case ch <- chunk:
		default:
		}
	}
	b.mu.Unlock()
}

// OutputLines returns the buffered scrollback, oldest first, including any
// trailing partial line.
func (b *Broadcaster) OutputLines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	lines := b.lines.List()
	if b.partial.Len() > 0 {
		lines = append(lines, b.partial.String())
	}
	return lines
}

func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for id, ch := range b.subscribers {
			delete(b.subscribers, id)
			close(ch)
		}
		b.mu.Unlock()
	})
}

func (b *Broadcaster) appendLocked(chunk []byte) {
	text := strings.ReplaceAll(string(chunk), "\r\n", "\n")
	for {
		idx := strings.IndexByte(text, '\n')
		if idx < 0 {
			break
		}
		b.partial.WriteString(text[:idx])
		b.lines.Add(b.partial.String())
		b.partial.Reset()
		text = text[idx+1:]
	}
	if text != "" {
		b.partial.WriteString(text)
	}
}
