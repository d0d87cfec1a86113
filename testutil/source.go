package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ooici/siam-integration-sub000/source"
)

// FakeConnector hands out FakeConns keyed by client name
type FakeConnector struct {
	// ConnectErr, when set, fails every Connect
	ConnectErr error

	mu       sync.Mutex
	conns    map[string]*FakeConn
	connects int
	hosts    []string
}

var _ source.Connector = (*FakeConnector)(nil)

// NewFakeConnector creates a connector with no connections
func NewFakeConnector() *FakeConnector {
	return &FakeConnector{conns: make(map[string]*FakeConn)}
}

// Connect implements source.Connector. Reconnecting with a client name whose
// previous connection was closed yields a fresh connection.
func (c *FakeConnector) Connect(_ context.Context, host, clientName string) (source.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connects++
	c.hosts = append(c.hosts, host)
	if c.ConnectErr != nil {
		return nil, c.ConnectErr
	}
	conn, ok := c.conns[clientName]
	if !ok || conn.Closed() {
		conn = NewFakeConn()
		c.conns[clientName] = conn
	}
	return conn, nil
}

// Conn returns the latest connection for clientName, creating it so tests can
// script samples before the notifier connects.
func (c *FakeConnector) Conn(clientName string) *FakeConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[clientName]
	if !ok {
		conn = NewFakeConn()
		c.conns[clientName] = conn
	}
	return conn
}

// Connects returns the number of Connect calls
func (c *FakeConnector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Hosts returns the hosts passed to Connect in call order
func (c *FakeConnector) Hosts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.hosts...)
}

type fetchResult struct {
	samples []source.Sample
	err     error
}

// FakeConn is a scripted source connection. Pushed batches are returned by
// Fetch one per call in order.
type FakeConn struct {
	// SubscribeErr, when set, fails Subscribe
	SubscribeErr error

	results chan fetchResult

	mu         sync.Mutex
	channel    string
	fetches    int
	closes     int
	subscribes int
}

var _ source.Conn = (*FakeConn)(nil)

// NewFakeConn creates a connection with nothing scripted
func NewFakeConn() *FakeConn {
	return &FakeConn{results: make(chan fetchResult, 64)}
}

// Push queues one batch of samples
func (c *FakeConn) Push(samples ...source.Sample) {
	c.results <- fetchResult{samples: samples}
}

// PushValues queues one batch with a sample per value
func (c *FakeConn) PushValues(channel string, values ...float64) {
	samples := make([]source.Sample, 0, len(values))
	for _, v := range values {
		samples = append(samples, source.Sample{Channel: channel, Value: v, Time: time.Now()})
	}
	c.Push(samples...)
}

// Fail makes the next Fetch return err
func (c *FakeConn) Fail(err error) {
	c.results <- fetchResult{err: err}
}

// FailAfterValues makes the next Fetch return a sample per value together
// with err, like a batch cut short by a fault.
func (c *FakeConn) FailAfterValues(err error, channel string, values ...float64) {
	samples := make([]source.Sample, 0, len(values))
	for _, v := range values {
		samples = append(samples, source.Sample{Channel: channel, Value: v, Time: time.Now()})
	}
	c.results <- fetchResult{samples: samples, err: err}
}

// Subscribe implements source.Conn
func (c *FakeConn) Subscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribes++
	if c.SubscribeErr != nil {
		return c.SubscribeErr
	}
	c.channel = channel
	return nil
}

// Fetch implements source.Conn
func (c *FakeConn) Fetch(ctx context.Context, timeout time.Duration) ([]source.Sample, error) {
	c.mu.Lock()
	c.fetches++
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-c.results:
		return r.samples, r.err
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements source.Conn
func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// Channel returns the subscribed channel
func (c *FakeConn) Channel() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// Closes returns how often Close was called
func (c *FakeConn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

// Closed reports whether Close was called
func (c *FakeConn) Closed() bool {
	return c.Closes() > 0
}

// Fetches returns how often Fetch was called
func (c *FakeConn) Fetches() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetches
}
