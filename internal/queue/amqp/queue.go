// Package amqp is the RabbitMQ delayed-job driver. Delays use per-delay holding
// queues whose messages expire into the work exchange.
package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"schoolhub/internal/queue"
	"schoolhub/pkg/interfaces"
	"schoolhub/pkg/types"
)

var _ interfaces.JobQueue = (*Queue)(nil)

const (
	attemptHeader = "x-attempt"
	routingKey    = "session.start"
	// idle holding queues are deleted this long after their TTL
	holdingQueueGrace = time.Minute
)

type Config struct {
	Host     string
	Port     int
	User     string
	Pass     string
	Exchange string
	Queue    string
	Workers  int
	Retry    queue.RetryPolicy
}

// URL is the broker address
func (c Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d/", c.User, c.Pass, c.Host, c.Port)
}

// Dial connects with exponential backoff and closes the connection when ctx ends
func Dial(ctx context.Context, cfg Config) (*amqp.Connection, error) {
	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(cfg.URL())
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to connect to RabbitMQ, retrying")
			return nil, err
		}
		return conn, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(bo), backoff.WithMaxTries(5))
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	zerolog.Ctx(ctx).Info().Str("host", cfg.Host).Msg("connected to RabbitMQ")
	go func() {
		<-ctx.Done()
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			zerolog.Ctx(ctx).Error().Err(err).Msg("failed to close RabbitMQ connection")
		}
	}()
	return conn, nil
}

// Queue publishes delayed jobs and consumes due ones
// ARCHITECTURAL DISCOVERY: A job waits in "<queue>.delay.<ms>" (x-message-ttl=ms) and is
// dead-lettered into the work exchange when the TTL expires; one holding queue per
// delay avoids head-of-line blocking of per-message TTLs
type Queue struct {
	conn   *amqp.Connection
	config Config

	pubMu  sync.Mutex
	pub    *amqp.Channel
	closed bool
	now    func() time.Time
}

// New declares the exchange and work queue
func New(conn *amqp.Connection, config Config) (*Queue, error) {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = queue.DefaultRetryPolicy()
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.ExchangeDeclare(config.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(config.Queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare work queue: %w", err)
	}
	if err := ch.QueueBind(config.Queue, routingKey, config.Exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind work queue: %w", err)
	}

	return &Queue{
		conn:   conn,
		config: config,
		pub:    ch,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the publish channel and the broker connection; later
// enqueues fail with interfaces.ErrQueueClosed
func (q *Queue) Close() error {
	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return errors.Join(ignoreClosed(q.pub.Close()), ignoreClosed(q.conn.Close()))
}

// ignoreClosed drops amqp.ErrClosed; Dial also closes the connection when its ctx ends
func ignoreClosed(err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}

// Enqueue publishes job to the work exchange, through a holding queue when it is not yet due
func (q *Queue) Enqueue(ctx context.Context, job *types.ScheduledJob) error {
	now := q.now()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.DueAt.IsZero() {
		job.DueAt = now
	}
	job.Status = types.JobPending
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return q.publish(ctx, job, job.DueAt.Sub(now))
}

func (q *Queue) publish(ctx context.Context, job *types.ScheduledJob, delay time.Duration) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID,
		Timestamp:    q.now(),
		Headers:      amqp.Table{attemptHeader: int32(job.Attempts)},
		Body:         body,
	}

	q.pubMu.Lock()
	defer q.pubMu.Unlock()
	if q.closed {
		return interfaces.ErrQueueClosed
	}

	exchange, key := q.config.Exchange, routingKey
	if delay > 0 {
		name, err := q.declareHoldingQueue(delay)
		if err != nil {
			return err
		}
		exchange, key = "", name
	}
	if err := q.pub.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish job %s: %w", job.ID, err)
	}
	zerolog.Ctx(ctx).Debug().Str("job_id", job.ID).Dur("delay", delay).Msg("job published")
	return nil
}

// declareHoldingQueue is idempotent for a given delay; callers hold pubMu
func (q *Queue) declareHoldingQueue(delay time.Duration) (string, error) {
	ttl := delay.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	name := HoldingQueueName(q.config.Queue, delay)
	_, err := q.pub.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             ttl,
		"x-dead-letter-exchange":    q.config.Exchange,
		"x-dead-letter-routing-key": routingKey,
		"x-expires":                 ttl + holdingQueueGrace.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("declare holding queue %s: %w", name, err)
	}
	return name, nil
}

// HoldingQueueName names the holding queue for a delay, rounded to the millisecond
func HoldingQueueName(workQueue string, delay time.Duration) string {
	ms := delay.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("%s.delay.%d", workQueue, ms)
}

// Run consumes due jobs on a worker pool until ctx ends
func (q *Queue) Run(ctx context.Context, handler interfaces.JobHandler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	logger := zerolog.Ctx(ctx)
	if err := ch.Qos(q.config.Workers, 0, false); err != nil {
		logger.Error().Str("queue", q.config.Queue).Msg("failed to set QoS")
		return err
	}
	deliveries, err := ch.Consume(q.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		logger.Error().Str("queue", q.config.Queue).Msg("failed to consume queue")
		return err
	}

	jobs := make(chan amqp.Delivery, q.config.Workers)
	var wg sync.WaitGroup
	for i := 0; i < q.config.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				q.handle(ctx, msg, handler)
			}
		}()
	}

	logger.Info().Str("queue", q.config.Queue).Int("workers", q.config.Workers).Msg("rabbitmq job worker started")
	for {
		select {
		case delivery, ok := <-deliveries:
			if !ok {
				close(jobs)
				wg.Wait()
				return nil
			}
			jobs <- delivery
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return nil
		}
	}
}

// handle runs one delivery; retries are republished before the original is acked
func (q *Queue) handle(ctx context.Context, msg amqp.Delivery, handler interfaces.JobHandler) {
	logger := zerolog.Ctx(ctx)

	var job types.ScheduledJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		logger.Error().Err(err).Str("message_id", msg.MessageId).Msg("dropping undecodable job")
		_ = msg.Ack(false)
		return
	}
	job.Attempts = AttemptOf(msg.Headers) + 1
	job.Status = types.JobProcessing

	jobLogger := logger.With().Str("job_id", job.ID).Str("session_id", job.SessionID).Int("attempt", job.Attempts).Logger()
	runErr := queue.SafeRun(jobLogger.WithContext(ctx), handler, &job)

	switch {
	case runErr == nil:
		jobLogger.Info().Msg("job completed")
	case queue.IsPermanent(runErr) || q.config.Retry.Exhausted(job.Attempts):
		jobLogger.Error().Err(runErr).Msg("job failed permanently")
	default:
		delay := q.config.Retry.Delay(job.Attempts)
		job.LastError = runErr.Error()
		if err := q.publish(context.WithoutCancel(ctx), &job, delay); err != nil {
			// leave it unacked so the broker redelivers it
			jobLogger.Error().Err(err).Msg("failed to schedule retry")
			_ = msg.Nack(false, true)
			return
		}
		jobLogger.Warn().Err(runErr).Dur("retry_in", delay).Msg("job failed, scheduling retry")
	}
	if err := msg.Ack(false); err != nil {
		jobLogger.Error().Err(err).Msg("failed to acknowledge job")
	}
}

// AttemptOf reads the attempt counter header; absent or malformed means zero
func AttemptOf(headers amqp.Table) int {
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	case int16:
		return int(v)
	case int8:
		return int(v)
	default:
		return 0
	}
}
