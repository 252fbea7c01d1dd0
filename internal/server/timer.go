package server

import (
	"sync"
	"time"
)

// SilenceTimer fires once when no Reset arrived for its duration.
type SilenceTimer struct {
	mu       sync.Mutex
	duration time.Duration
	timer    *time.Timer
	isActive bool
	onExpire func()
}

// NewSilenceTimer creates a stopped timer calling onExpire on expiry.
func NewSilenceTimer(duration time.Duration, onExpire func()) *SilenceTimer {
	return &SilenceTimer{
		duration: duration,
		onExpire: onExpire,
	}
}

// Start arms the timer, restarting it if already active.
func (st *SilenceTimer) Start() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.timer != nil {
		st.timer.Stop()
	}
	st.isActive = true
	st.timer = time.AfterFunc(st.duration, st.expire)
}

func (st *SilenceTimer) expire() {
	st.mu.Lock()
	if !st.isActive {
		st.mu.Unlock()
		return
	}
	st.isActive = false
	st.mu.Unlock()

	st.onExpire()
}

// Reset pushes the deadline out by a full duration. No-op once expired or stopped.
func (st *SilenceTimer) Reset() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.isActive || st.timer == nil {
		return
	}
	st.timer.Reset(st.duration)
}

// Stop disarms the timer without firing.
func (st *SilenceTimer) Stop() {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.isActive = false
}

// IsActive returns whether the timer is armed.
func (st *SilenceTimer) IsActive() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.isActive
}

// GetDuration returns the silence window.
func (st *SilenceTimer) GetDuration() time.Duration {
	return st.duration
}
