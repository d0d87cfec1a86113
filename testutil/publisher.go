package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ooici/siam-integration-sub000/message"
	"github.com/ooici/siam-integration-sub000/publisher"
)

// Published is one recorded publish
type Published struct {
	RequestID string
	PublishID string
	Response  message.Response
	Stream    string
}

// RecordingPublisher records publishes in arrival order
type RecordingPublisher struct {
	// Err, when set, is returned from Publish and the publish is not recorded
	Err error

	mu        sync.Mutex
	published []Published
	attempts  int
	notify    chan struct{}
}

var _ publisher.Publisher = (*RecordingPublisher)(nil)

// NewRecordingPublisher creates an empty recorder
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{notify: make(chan struct{})}
}

// Publish implements publisher.Publisher
func (p *RecordingPublisher) Publish(_ context.Context, requestID, publishID string,
	resp message.Response, stream string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.attempts++
	if p.Err != nil {
		return p.Err
	}
	p.published = append(p.published, Published{
		RequestID: requestID,
		PublishID: publishID,
		Response:  resp,
		Stream:    stream,
	})
	if p.notify != nil {
		close(p.notify)
	}
	p.notify = make(chan struct{})
	return nil
}

// Published returns a copy of the recorded publishes
func (p *RecordingPublisher) Published() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.published))
	copy(out, p.published)
	return out
}

// Attempts returns the number of Publish calls, failed ones included
func (p *RecordingPublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// WaitForPublished blocks until at least n publishes were recorded or timeout
// passes, and returns what was recorded.
func (p *RecordingPublisher) WaitForPublished(n int, timeout time.Duration) []Published {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		p.mu.Lock()
		if len(p.published) >= n {
			out := make([]Published, len(p.published))
			copy(out, p.published)
			p.mu.Unlock()
			return out
		}
		if p.notify == nil {
			p.notify = make(chan struct{})
		}
		wait := p.notify
		p.mu.Unlock()

		select {
		case <-wait:
		case <-deadline.C:
			return p.Published()
		}
	}
}
