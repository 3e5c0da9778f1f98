package poll

import "fmt"

// State is the outcome of the last completed update.
type State int

const (
	StateUnknown State = iota
	StateOK
	StateNoContent
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateOK:
		return "ok"
	case StateNoContent:
		return "no-content"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Listener receives the progress of a fetch. A listener joins a fetch already
// in flight and then gets the same completion callbacks as the caller that
// started it. Implementations must be comparable.
type Listener interface {
	OnStart()
	OnAlreadyPolling()
	OnSuccess(newCount int)
	OnError(err error)
	OnStateChanged(state State)
	OnExhausted()
}

// ListenerFuncs implements Listener with optional callbacks.
type ListenerFuncs struct {
	Start          func()
	AlreadyPolling func()
	Success        func(newCount int)
	Error          func(err error)
	StateChanged   func(state State)
	Exhausted      func()
}

var _ Listener = (*ListenerFuncs)(nil)

func (l *ListenerFuncs) OnStart() {
	if l.Start != nil {
		l.Start()
	}
}
func (l *ListenerFuncs) OnAlreadyPolling() {
	if l.AlreadyPolling != nil {
		l.AlreadyPolling()
	}
}
func (l *ListenerFuncs) OnSuccess(newCount int) {
	if l.Success != nil {
		l.Success(newCount)
	}
}
func (l *ListenerFuncs) OnError(err error) {
	if l.Error != nil {
		l.Error(err)
	}
}
func (l *ListenerFuncs) OnStateChanged(state State) {
	if l.StateChanged != nil {
		l.StateChanged(state)
	}
}
func (l *ListenerFuncs) OnExhausted() {
	if l.Exhausted != nil {
		l.Exhausted()
	}
}
