package service

import (
	"errors"
	"sync"
	"time"
)

var ErrSessionClosed = errors.New("voting session is closed")

// VotingSession is the window during which a booth accepts scans. A zero
// duration keeps the session open until End is called.
type VotingSession struct {
	startTime time.Time
	endTime   time.Time
	isActive  bool
	now       func() time.Time
	mu        sync.RWMutex
}

func newVotingSession(duration time.Duration, now func() time.Time) *VotingSession {
	start := now()
	vs := &VotingSession{
		startTime: start,
		isActive:  true,
		now:       now,
	}
	if duration > 0 {
		vs.endTime = start.Add(duration)
	}
	return vs
}

func (vs *VotingSession) IsActive() bool {
	vs.mu.RLock()
	defer vs.mu.RUnlock()
	if !vs.isActive {
		return false
	}
	return vs.endTime.IsZero() || vs.now().Before(vs.endTime)
}

func (vs *VotingSession) End() {
	vs.mu.Lock()
	defer vs.mu.Unlock()
	vs.isActive = false
}

func (vs *VotingSession) StartTime() time.Time {
	return vs.startTime
}

// EndTime is zero for sessions without a deadline.
func (vs *VotingSession) EndTime() time.Time {
	return vs.endTime
}
