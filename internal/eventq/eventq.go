// Package eventq holds the channel send helpers used by the hub's
// per-client queues.
package eventq

// Offer performs a non-blocking send. It returns false when the channel is
// full or already closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

