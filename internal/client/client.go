// Package client is the coordinator's pub/sub client: it publishes
// envelopes, subscribes to the channel catalogue and dispatches inbound
// messages to registered handlers through a bounded worker pool.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/voluntix/coordinator/internal/channel"
	"github.com/voluntix/coordinator/internal/message"
	"github.com/voluntix/coordinator/internal/metrics"
	"github.com/voluntix/coordinator/internal/store"
)

// Handler processes one inbound message. Returning an error counts the
// dispatch as failed; it does not stop the loop.
type Handler func(ctx context.Context, channelName string, env *message.Envelope) error

// Recorder persists observed messages. Failures are logged, never fatal:
// losing a log line must not lose the message.
type Recorder interface {
	AppendMessageLog(ctx context.Context, entry *store.MessageLog) error
}

// Options configures a Client.
type Options struct {
	// Addr is the pub/sub endpoint, normally the authorisation proxy.
	Addr      string
	SenderID  string
	Token     string
	Workers   int
	QueueSize int
	Recorder  Recorder
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

type job struct {
	channel string
	payload []byte
}

// Client is a coordinator connection handle. Construct as many as needed;
// there is no process-wide instance.
type Client struct {
	rdb      *redis.Client
	pubsub   *redis.PubSub
	senderID string
	token    string
	workers  int
	queue    chan job
	recorder Recorder
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	published  atomic.Uint64
	received   atomic.Uint64
	dispatched atomic.Uint64
	dropped    atomic.Uint64
	failed     atomic.Uint64
}

// New connects to the pub/sub endpoint and verifies it is reachable.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("client: address is required")
	}
	if opts.SenderID == "" {
		opts.SenderID = "coordinator"
	}
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		MinRetryBackoff: 250 * time.Millisecond,
		MaxRetryBackoff: 8 * time.Second,
		MaxRetries:      -1,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("client: ping %s: %w", opts.Addr, err)
	}

	return &Client{
		rdb:      rdb,
		senderID: opts.SenderID,
		token:    opts.Token,
		workers:  opts.Workers,
		queue:    make(chan job, opts.QueueSize),
		recorder: opts.Recorder,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		handlers: make(map[string]Handler),
	}, nil
}

// Handle registers a handler for a channel name or pattern from the
// catalogue ("tasks/status/#" covers every task id).
func (c *Client) Handle(name string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = h
}

// Subscribe opens the subscription over every registered handler channel
// plus any extras, in one round trip.
func (c *Client) Subscribe(ctx context.Context, extra ...string) error {
	var names, patterns []string
	c.mu.RLock()
	for name := range c.handlers {
		if isPattern(name) {
			patterns = append(patterns, name[:len(name)-1]+"*")
		} else {
			names = append(names, name)
		}
	}
	c.mu.RUnlock()
	names = append(names, extra...)

	if len(names) == 0 && len(patterns) == 0 {
		return fmt.Errorf("client: nothing to subscribe to")
	}

	c.pubsub = c.rdb.Subscribe(ctx, names...)
	if len(patterns) > 0 {
		if err := c.pubsub.PSubscribe(ctx, patterns...); err != nil {
			return fmt.Errorf("client: psubscribe: %w", err)
		}
	}
	// Force the subscription to establish before Run starts draining.
	if _, err := c.pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("client: subscribe: %w", err)
	}
	return nil
}

// Run starts the worker pool and drains the subscription until ctx is
// cancelled. Reconnection and resubscription are handled by the underlying
// connection; Run simply keeps consuming.
func (c *Client) Run(ctx context.Context) error {
	if c.pubsub == nil {
		return fmt.Errorf("client: Subscribe must be called before Run")
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}

	ch := c.pubsub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second))
	for {
		select {
		case <-ctx.Done():
			close(c.queue)
			wg.Wait()
			return nil
		case msg, ok := <-ch:
			if !ok {
				close(c.queue)
				wg.Wait()
				return nil
			}
			c.received.Add(1)
			select {
			case c.queue <- job{channel: msg.Channel, payload: []byte(msg.Payload)}:
			default:
				// Queue full: drop rather than stall the subscription.
				c.dropped.Add(1)
				if c.metrics != nil {
					c.metrics.RecordDispatch(msg.Channel, "dropped", 0)
				}
			}
		}
	}
}

func (c *Client) worker(ctx context.Context) {
	for j := range c.queue {
		c.dispatch(ctx, j)
	}
}

func (c *Client) dispatch(ctx context.Context, j job) {
	start := time.Now()
	env, err := message.Decode(j.payload)
	if err != nil {
		c.failed.Add(1)
		c.log.Warn("undecodable message", "channel", j.channel, "error", err)
		if c.metrics != nil {
			c.metrics.RecordDispatch(j.channel, "error", time.Since(start).Seconds())
		}
		return
	}

	c.record(ctx, j.channel, env, string(j.payload))

	h := c.handlerFor(j.channel)
	if h == nil {
		return
	}
	outcome := "ok"
	if err := h(ctx, j.channel, env); err != nil {
		outcome = "error"
		c.failed.Add(1)
		c.log.Warn("handler failed", "channel", j.channel, "request_id", env.RequestID, "error", err)
	} else {
		c.dispatched.Add(1)
	}
	if c.metrics != nil {
		c.metrics.RecordDispatch(j.channel, outcome, time.Since(start).Seconds())
	}
}

func (c *Client) handlerFor(name string) Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if h, ok := c.handlers[name]; ok {
		return h
	}
	for registered, h := range c.handlers {
		if channel.Match(registered, name) {
			return h
		}
	}
	return nil
}

func (c *Client) record(ctx context.Context, channelName string, env *message.Envelope, payload string) {
	if c.recorder == nil {
		return
	}
	entry := &store.MessageLog{
		ID:          env.RequestID + ":" + channelName,
		Channel:     channelName,
		RequestID:   env.RequestID,
		SenderType:  env.Sender.Type,
		SenderID:    env.Sender.ID,
		MessageType: env.MessageType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := c.recorder.AppendMessageLog(ctx, entry); err != nil {
		c.log.Warn("message log write failed", "channel", channelName, "error", err)
	}
}

// Stats is a point-in-time snapshot of client activity.
type Stats struct {
	Published  uint64
	Received   uint64
	Dispatched uint64
	Dropped    uint64
	Failed     uint64
}

// Stats reports cumulative counters since the client was created.
func (c *Client) Stats() Stats {
	return Stats{
		Published:  c.published.Load(),
		Received:   c.received.Load(),
		Dispatched: c.dispatched.Load(),
		Dropped:    c.dropped.Load(),
		Failed:     c.failed.Load(),
	}
}

// Close tears down the subscription and the connection.
func (c *Client) Close() error {
	if c.pubsub != nil {
		c.pubsub.Close()
	}
	return c.rdb.Close()
}

func isPattern(name string) bool {
	return len(name) > 0 && (name[len(name)-1] == '#' || name[len(name)-1] == '*')
}
