package snacksession

// Subscription is returned by every addXListener operation. Remove is
// idempotent and safe to call from any goroutine.
type Subscription struct {
	remove func()
}

// Remove unregisters the listener this subscription was returned for.
func (s *Subscription) Remove() {
	if s.remove != nil {
		s.remove()
	}
}

// LogEvent is delivered to log listeners for every device CONSOLE message.
type LogEvent struct {
	Device  string
	Method  string
	Payload []interface{}
}

// ErrorEvent is delivered to error listeners, both for device-reported
// ERROR messages and for dependency resolution failures.
type ErrorEvent struct {
	Device  string
	Message string
}

// slot is a tombstonable listener entry: removal during dispatch sets fn
// to nil rather than splicing the slice, so that listeners registered
// after the removed one keep their position and are never skipped mid-tick.
type slot[T any] struct {
	fn T
}
