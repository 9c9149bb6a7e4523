package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/aristath/agentmesh/internal/events"
	"github.com/aristath/agentmesh/internal/task"
)

// Envelope wraps a bus event on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Subject   string          `json:"subject"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// EventSubject is where events of eventType are published,
// e.g. "agentmesh.workflow.completed".
func EventSubject(prefix, eventType string) string {
	return prefix + "." + eventType
}

// SubmitSubject receives task submissions as request/reply.
func SubmitSubject(prefix string) string {
	return prefix + ".tasks.submit"
}

// TaskHandler produces the final response for a task submitted over NATS.
type TaskHandler func(ctx context.Context, t task.Task) task.Response

// Bridge mirrors local bus events onto NATS and serves remote submissions.
type Bridge struct {
	client *Client
	prefix string
	logger *zap.Logger

	mu     sync.Mutex
	stops  []func()
	subs   []*nats.Subscription
	cancel context.CancelFunc
	ctx    context.Context
}

func NewBridge(client *Client, prefix string, logger *zap.Logger) *Bridge {
	if prefix == "" {
		prefix = "agentmesh"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{client: client, prefix: prefix, logger: logger, ctx: ctx, cancel: cancel}
}

// Forward publishes every event on bus to EventSubject(prefix, type).
func (b *Bridge) Forward(bus *events.EventBus) {
	stop := bus.Listen("", func(ev events.Event) {
		if err := b.publish(ev); err != nil {
			b.logger.Warn("failed to forward event",
				zap.String("type", ev.EventType()),
				zap.String("subject", ev.SubjectID()),
				zap.Error(err))
		}
	})
	b.mu.Lock()
	b.stops = append(b.stops, stop)
	b.mu.Unlock()
}

func (b *Bridge) publish(ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", ev.EventType(), err)
	}
	return b.client.PublishJSON(EventSubject(b.prefix, ev.EventType()), Envelope{
		Type:      ev.EventType(),
		Subject:   ev.SubjectID(),
		Timestamp: time.Now().UTC(),
		Data:      data,
	})
}

// ServeTasks answers requests on SubmitSubject. The request body is a JSON
// task; the reply is the JSON response.
func (b *Bridge) ServeTasks(handle TaskHandler) error {
	sub, err := b.client.Subscribe(SubmitSubject(b.prefix), func(msg *nats.Msg) {
		go b.serve(msg, handle)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubmitSubject(b.prefix), err)
	}
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
	return nil
}

func (b *Bridge) serve(msg *nats.Msg, handle TaskHandler) {
	var t task.Task
	var resp task.Response
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		resp = task.Failed(fmt.Errorf("decode task: %w", err), 0)
	} else {
		resp = handle(b.ctx, t)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("failed to encode task response", zap.String("task", t.ID), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		b.logger.Warn("failed to reply to task submission", zap.String("task", t.ID), zap.Error(err))
	}
}

// Close stops forwarding and cancels in-flight remote tasks.
func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, stop := range b.stops {
		stop()
	}
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.stops, b.subs = nil, nil
}

// SubmitTask sends t to a remote engine and waits for its response.
func SubmitTask(c *Client, prefix string, t task.Task, timeout time.Duration) (task.Response, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return task.Response{}, fmt.Errorf("marshal task: %w", err)
	}
	msg, err := c.Request(SubmitSubject(prefix), data, timeout)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return task.Response{}, fmt.Errorf("no engine is serving %s: %w", SubmitSubject(prefix), err)
		}
		return task.Response{}, fmt.Errorf("submit task: %w", err)
	}
	var resp task.Response
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return task.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if !resp.Success && resp.Error != "" {
		resp.Err = errors.New(resp.Error)
	}
	return resp, nil
}
