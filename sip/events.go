package sip

// EventKind identifies an engine notification.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventUnregistered
	EventIncomingCall
	EventCallRinging
	EventCallAnswered
	EventCallEnded
	EventCallFailed
)

// Event is a notification emitted by the engine toward the bridge layer.
// Caller is set for EventIncomingCall, Reason for EventCallEnded and
// EventCallFailed.
type Event struct {
	Kind   EventKind
	Caller string
	Reason string
}

// EventHandler receives engine notifications. Calls are made from a single
// notifier goroutine, never from the caller of a command, so implementations
// may block briefly but must not call back into the engine synchronously
// from OnCallEnded/OnCallFailed if they want to avoid self-deadlock on
// Disconnect.
type EventHandler interface {
	OnRegistered()
	OnUnregistered()
	OnIncomingCall(caller string)
	OnCallRinging()
	OnCallAnswered()
	OnCallEnded(reason string)
	OnCallFailed(reason string)
}
