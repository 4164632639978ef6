package messenger

import (
	"context"
	"sync"
	"time"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
)

// SendOutcome is the immediate result of handing a message to the connection.
type SendOutcome int

const (
	// Queued messages were accepted while connecting and will be flushed on connect.
	Queued SendOutcome = iota
	// Sent messages were written to the wire.
	Sent
	// Failed messages were not accepted.
	Failed
)

func (o SendOutcome) String() string {
	switch o {
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	default:
		return "failed"
	}
}

// Delivery tracks one send until it is acknowledged, rejected or times out.
type Delivery struct {
	ClientToken string
	Outcome     SendOutcome

	done  chan struct{}
	once  sync.Once
	timer *time.Timer
	msg   domain.Message
	err   error
}

func newDelivery(clientToken string) *Delivery {
	return &Delivery{ClientToken: clientToken, done: make(chan struct{})}
}

// Done is closed once the delivery is resolved.
func (d *Delivery) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the delivery resolves or ctx ends. On success it returns
// the server-confirmed message.
func (d *Delivery) Wait(ctx context.Context) (domain.Message, error) {
	select {
	case <-d.done:
		return d.msg, d.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

// Err returns the failure once resolved, or nil.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *Delivery) resolve(msg domain.Message, err error) {
	d.once.Do(func() {
		if d.timer != nil {
			d.timer.Stop()
		}
		d.msg = msg
		d.err = err
		close(d.done)
	})
}
