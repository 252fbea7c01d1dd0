package server

import (
	"sync"
	"time"
)

const subscriptionBuffer = 64

// subscription is one speaker's frame stream. It ends on Close or when its
// silence timer expires; frames is never closed so late pushes cannot panic.
type subscription struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
	timer  *SilenceTimer
}

func newSubscription(silence time.Duration) *subscription {
	sub := &subscription{
		frames: make(chan []byte, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	if silence > 0 {
		sub.timer = NewSilenceTimer(silence, func() { sub.Close() })
		sub.timer.Start()
	}
	return sub
}

func (sub *subscription) Frames() <-chan []byte { return sub.frames }

func (sub *subscription) Done() <-chan struct{} { return sub.done }

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		if sub.timer != nil {
			sub.timer.Stop()
		}
		close(sub.done)
	})
	return nil
}

// push hands a frame to the reader, blocking while the buffer is full.
// Only voiced frames push the silence deadline out. Returns false once the
// subscription has ended.
func (sub *subscription) push(frame []byte, voiced bool) bool {
	select {
	case <-sub.done:
		return false
	default:
	}
	if voiced && sub.timer != nil {
		sub.timer.Reset()
	}
	select {
	case sub.frames <- frame:
		return true
	case <-sub.done:
		return false
	}
}
