package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/kmsg"

	"github.com/fairyhunter13/cognitive-triangulation/internal/domain"
)

// envelope is the wire form of a job. The payload bytes are passed through
// untouched; retries carry the attempt count forward.
type envelope struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Data         json.RawMessage `json:"data"`
	AttemptsMade int             `json:"attemptsMade"`
}

// Producer wraps a transactional Kafka producer shared by every queue handle.
type Producer struct {
	client *kgo.Client
	// Buffered channel serializing transactions across concurrent enqueuers.
	transactionChan chan struct{}
}

// NewProducer constructs a transactional producer against the given brokers.
func NewProducer(brokers []string, transactionalID string) (*Producer, error) {
	slog.Info("creating queue producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: %w: %v", domain.ErrTransientIO, err)
	}
	return &Producer{
		client:          client,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Ping checks broker reachability.
func (p *Producer) Ping(ctx context.Context) error {
	if err := p.client.Ping(ctx); err != nil {
		return fmt.Errorf("op=queue.ping: %w: %v", domain.ErrTransientIO, err)
	}
	return nil
}

// Enqueue publishes one job envelope to a topic inside a transaction.
func (p *Producer) Enqueue(ctx context.Context, topic string, env envelope) error {
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return fmt.Errorf("op=queue.enqueue topic=%s: %w", topic, ctx.Err())
	}

	if err := p.client.BeginTransaction(); err != nil {
		return fmt.Errorf("op=queue.enqueue topic=%s: begin transaction: %w", topic, err)
	}

	b, err := json.Marshal(env)
	if err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.enqueue topic=%s: marshal envelope: %w", topic, err)
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(env.ID),
		Value: b,
		Headers: []kgo.RecordHeader{
			{Key: "job_id", Value: []byte(env.ID)},
			{Key: "job_name", Value: []byte(env.Name)},
			{Key: "attempts_made", Value: []byte(strconv.Itoa(env.AttemptsMade))},
		},
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("transaction abort failed", slog.Any("error", abortErr))
		}
		return fmt.Errorf("op=queue.enqueue topic=%s: produce: %w: %v", topic, domain.ErrTransientIO, err)
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		return fmt.Errorf("op=queue.enqueue topic=%s: commit transaction: %w", topic, err)
	}
	slog.Debug("job enqueued",
		slog.String("topic", topic),
		slog.String("job_id", env.ID),
		slog.String("job_name", env.Name),
		slog.Int("attempts_made", env.AttemptsMade))
	return nil
}

// EnsureTopic creates the topic when it does not exist yet.
func (p *Producer) EnsureTopic(topic string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return createTopicIfNotExists(ctx, p.client, topic, 8, 1)
}

// DeleteTopic removes a topic; missing topics are not an error.
func (p *Producer) DeleteTopic(ctx context.Context, topic string) error {
	req := kmsg.NewDeleteTopicsRequest()
	req.TimeoutMillis = 30000
	reqTopic := kmsg.NewDeleteTopicsRequestTopic()
	reqTopic.Topic = kmsg.StringPtr(topic)
	req.Topics = append(req.Topics, reqTopic)
	req.TopicNames = []string{topic}

	resp, err := p.client.Request(ctx, &req)
	if err != nil {
		return fmt.Errorf("op=queue.topic.delete topic=%s: %w", topic, err)
	}
	deleteResp, ok := resp.(*kmsg.DeleteTopicsResponse)
	if !ok {
		return fmt.Errorf("op=queue.topic.delete topic=%s: unexpected response type %T", topic, resp)
	}
	for _, t := range deleteResp.Topics {
		// Error code 3 = UNKNOWN_TOPIC_OR_PARTITION: already gone.
		if t.ErrorCode != 0 && t.ErrorCode != 3 {
			msg := ""
			if t.ErrorMessage != nil {
				msg = *t.ErrorMessage
			}
			return fmt.Errorf("op=queue.topic.delete topic=%s: %s (code %d)", topic, msg, t.ErrorCode)
		}
	}
	return nil
}

// Close closes the producer client.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
