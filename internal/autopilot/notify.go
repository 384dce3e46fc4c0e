package autopilot

import (
	"context"
	"log"
)

// Notification is a fire-and-forget status message emitted during an
// autopilot run.
type Notification struct {
	FeatureID int
	Subject   string
	Body      string
}

// NotifyFunc delivers one notification (chat webhook, email, stdout).
type NotifyFunc func(ctx context.Context, n Notification) error

// Notifier delivers notifications on a background goroutine so delivery
// latency never blocks the run. The buffer should typically be 2x the
// attempt count; when it fills, messages are dropped, not queued.
type Notifier struct {
	ch      chan Notification
	deliver NotifyFunc
	done    chan struct{}
}

// NewNotifier creates a notifier with the given buffer size.
func NewNotifier(bufferSize int, deliver NotifyFunc) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &Notifier{
		ch:      make(chan Notification, bufferSize),
		deliver: deliver,
		done:    make(chan struct{}),
	}
}

// Start launches the delivery goroutine. It runs until the context is
// cancelled.
func (n *Notifier) Start(ctx context.Context) {
	go n.run(ctx)
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-n.ch:
			if err := n.deliver(ctx, msg); err != nil {
				log.Printf("WARNING: notification delivery failed for feature %d: %v", msg.FeatureID, err)
			}
		}
	}
}

// Send enqueues a notification without blocking. Returns false when the
// buffer is full and the message was dropped.
func (n *Notifier) Send(msg Notification) bool {
	select {
	case n.ch <- msg:
		return true
	default:
		log.Printf("WARNING: notification buffer full, dropping message for feature %d", msg.FeatureID)
		return false
	}
}

// Stop blocks until the delivery goroutine has exited.
func (n *Notifier) Stop() {
	<-n.done
}
