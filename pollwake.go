package usbip

// pollWake is a single-slot latest-value wake signal: producers (URB
// arrival) never block, consumers (the peripheral's polling loop) coalesce
// any number of pending signals into one, and a missed wakeup is harmless
// because re-polling the queue is always idempotent.
type pollWake struct {
	ch chan struct{}
}

func newPollWake() *pollWake {
	return &pollWake{ch: make(chan struct{}, 1)}
}

// C returns the channel to select on; a receive means "something may have
// changed, re-poll".
func (w *pollWake) C() <-chan struct{} {
	return w.ch
}

// Signal posts a wakeup without blocking. If a signal is already pending,
// the new one is dropped, so the channel never holds more than one.
func (w *pollWake) Signal() {
	select {
	case w.ch <- struct{}{}:
	default:
		// A signal is already pending; the consumer hasn't drained it yet,
		// so this one is redundant.
	}
}
