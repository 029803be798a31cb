package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"socialhub-backend/internal/signaling"
)

const (
	streamReadBlock = 2 * time.Second
	streamReadCount = 64
	streamKeyPrefix = "signal:"
)

// StreamBroker implements signaling.Broker on Redis Streams. Each topic is
// one stream capped by MAXLEN and expired after the retention window; a
// handle replays the stream from the beginning, skipping entries older
// than retention.
type StreamBroker struct {
	client    *redis.Client
	retention time.Duration
	maxLen    int64
	logger    *zap.Logger
}

// NewStreamBroker creates a broker over client
func NewStreamBroker(client *redis.Client, retention time.Duration, maxLen int, log *zap.Logger) *StreamBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &StreamBroker{
		client:    client,
		retention: retention,
		maxLen:    int64(maxLen),
		logger:    log,
	}
}

// OpenTopic returns a handle on the stream backing name
func (b *StreamBroker) OpenTopic(ctx context.Context, name string) (signaling.Topic, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	readCtx, cancel := context.WithCancel(context.Background())
	return &streamTopic{
		broker:   b,
		key:      streamKeyPrefix + name,
		handlers: make(map[string][]func([]byte)),
		ctx:      readCtx,
		cancel:   cancel,
	}, nil
}

type streamTopic struct {
	broker *StreamBroker
	key    string

	mu       sync.RWMutex
	handlers map[string][]func([]byte)
	started  bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (t *streamTopic) Send(ctx context.Context, event string, payload []byte) error {
	if t.ctx.Err() != nil {
		return signaling.ErrTopicClosed
	}

	args := &redis.XAddArgs{
		Stream: t.key,
		Values: map[string]interface{}{"event": event, "payload": payload},
	}
	if t.broker.maxLen > 0 {
		args.MaxLen = t.broker.maxLen
		args.Approx = true
	}

	pipe := t.broker.client.TxPipeline()
	pipe.XAdd(ctx, args)
	if t.broker.retention > 0 {
		pipe.Expire(ctx, t.key, t.broker.retention)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", t.key, err)
	}
	return nil
}

func (t *streamTopic) On(event string, handler func([]byte)) {
	t.mu.Lock()
	t.handlers[event] = append(t.handlers[event], handler)
	start := !t.started
	t.started = true
	t.mu.Unlock()

	if start {
		go t.read()
	}
}

func (t *streamTopic) Close() error {
	t.closeOnce.Do(t.cancel)
	return nil
}

func (t *streamTopic) read() {
	log := t.broker.logger.With(zap.String("stream", t.key))

	lastID := "0"
	for {
		streams, err := t.broker.client.XRead(t.ctx, &redis.XReadArgs{
			Streams: []string{t.key, lastID},
			Count:   streamReadCount,
			Block:   streamReadBlock,
		}).Result()
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			log.Warn("Stream read failed", zap.Error(err))
			select {
			case <-t.ctx.Done():
				return
			case <-time.After(streamReadBlock):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				lastID = msg.ID
				if t.expired(msg.ID) {
					continue
				}
				t.dispatch(msg.Values)
				if t.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// expired reports whether an entry id predates the retention window
func (t *streamTopic) expired(id string) bool {
	if t.broker.retention <= 0 {
		return false
	}
	ms, _, _ := strings.Cut(id, "-")
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return false
	}
	return time.UnixMilli(n).Before(time.Now().Add(-t.broker.retention))
}

func (t *streamTopic) dispatch(values map[string]interface{}) {
	event, _ := values["event"].(string)
	var payload []byte
	switch p := values["payload"].(type) {
	case string:
		payload = []byte(p)
	case []byte:
		payload = p
	}

	t.mu.RLock()
	handlers := append([](func([]byte))(nil), t.handlers[event]...)
	t.mu.RUnlock()
	for _, fn := range handlers {
		fn(payload)
	}
}
