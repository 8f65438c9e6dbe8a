package worker

import (
	"sync"
	"time"
)

const maxEvents = 32

// 生命周期事件类型。
const (
	EventInstalling     = "installing"
	EventInstalled      = "installed"
	EventInstallFailed  = "install_failed"
	EventActivating     = "activating"
	EventActivated      = "activated"
	EventActivateFailed = "activate_failed"
	EventClaimed        = "claimed"
	EventRedundant      = "redundant"
	EventResumed        = "resumed"
)

// Event 记录一次生命周期转换。
type Event struct {
	Type       string    `json:"type"`
	Generation string    `json:"generation"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// eventLog keeps the most recent lifecycle events, oldest first.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) add(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	if len(l.events) > maxEvents {
		l.events = l.events[len(l.events)-maxEvents:]
	}
}

func (l *eventLog) list() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}
