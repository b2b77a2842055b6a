package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/baobabichh/diabetic-diary/metrics"
)

// Message represents a received RabbitMQ message.
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	ContentType string
	Timestamp   time.Time
	DeliveryTag uint64
	// Attempt is the number of prior broker-level retries for this message,
	// read from the retry-count header. Zero on first delivery.
	Attempt int
}

// UnmarshalTo unmarshals the message body into the provided interface.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. Return:
// - nil on success (will Ack)
// - Permanent(err) for permanent failure (will Nack requeue=false; DLQ if configured)
// - any other error for transient failure (will retry via the retry exchange)
type CallbackFunc func(msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError (non-retriable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const retryCountHeaderKey = "x-recognition-retry-count"

// Options tunes a Subscriber. Zero values fall back to defaults.
type Options struct {
	// Workers bounds how many deliveries are processed concurrently.
	Workers int
	// MaxRetries bounds broker-level redeliveries before a transient
	// failure is dropped (dead-lettered when the broker is so configured).
	MaxRetries int
	// RetryExchangePrefix names the delayed-retry exchange: prefix + queue.
	RetryExchangePrefix string
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryExchangePrefix == "" {
		o.RetryExchangePrefix = "recognition-retry."
	}
	return o
}

func retryCountFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	v, ok := headers[retryCountHeaderKey]
	if !ok || v == nil {
		return 0
	}
	maxInt := int(^uint(0) >> 1)
	switch t := v.(type) {
	case int:
		if t < 0 {
			return 0
		}
		return t
	case int32:
		if t < 0 {
			return 0
		}
		return int(t)
	case int64:
		if t < 0 {
			return 0
		}
		if t > int64(maxInt) {
			return maxInt
		}
		return int(t)
	case uint32:
		if int64(t) > int64(maxInt) {
			return maxInt
		}
		return int(t)
	case uint64:
		if t > uint64(maxInt) {
			return maxInt
		}
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil && n >= 0 {
			return n
		}
		return 0
	default:
		return 0
	}
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	if next < 0 {
		next = 0
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

// Subscriber consumes recognition jobs from a durable queue with manual
// acknowledgment. Ack happens only after the callback returns nil, so a
// crash mid-processing leaves the message unacknowledged for redelivery.
type Subscriber struct {
	amqpURL  string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	opts     Options

	// opMu serializes amqp operations on s.channel since amqp.Channel is not safe for concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}

	// Observability signals (best-effort).
	connected      atomic.Bool
	lastConnectNs  atomic.Int64
	lastDeliveryNs atomic.Int64
	lastError      atomic.Value // string
}

// NewSubscriber creates a new RabbitMQ subscriber instance and establishes
// the initial connection so callers fail fast if RabbitMQ is unreachable.
func NewSubscriber(amqpURL, exchangeName, queueName string, opts Options) (*Subscriber, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
		opts:     opts.withDefaults(),
		done:     make(chan struct{}),
	}

	s.opMu.Lock()
	err := s.reconnectLocked(ctx)
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Subscriber) setLastError(err error) {
	if err == nil {
		s.lastError.Store("")
		return
	}
	s.lastError.Store(err.Error())
}

func (s *Subscriber) markDisconnected(err error) {
	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)
	s.setLastError(err)
}

// reconnectLocked tears down any existing channel/connection and recreates them.
// Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked(ctx context.Context) error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		s.markDisconnected(err)
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		s.markDisconnected(err)
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.markDisconnected(err)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.markDisconnected(err)
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	select {
	case <-ctx.Done():
		_ = ch.Close()
		_ = conn.Close()
		s.markDisconnected(ctx.Err())
		return fmt.Errorf("context timeout while connecting subscriber: %w", ctx.Err())
	default:
	}

	s.conn = conn
	s.channel = ch
	s.connected.Store(true)
	metrics.RabbitMQConnected.Set(1)

	now := time.Now().UnixNano()
	s.lastConnectNs.Store(now)
	metrics.RabbitMQLastConnectSeconds.Set(float64(time.Unix(0, now).Unix()))

	s.setLastError(nil)
	return nil
}

// Start begins consuming messages and dispatching them to the routing key callbacks.
func (s *Subscriber) Start(routingKeyCallbacks map[string]CallbackFunc) error {
	s.startOnce.Do(func() {
		workers := s.opts.Workers
		jobs := make(chan amqp.Delivery, workers)

		for i := 0; i < workers; i++ {
			workerID := i + 1
			go func() {
				for delivery := range jobs {
					s.handleDelivery(workerID, delivery, routingKeyCallbacks)
				}
			}()
		}

		go s.consumeLoop(jobs, routingKeyCallbacks)
	})
	return nil
}

func (s *Subscriber) handleDelivery(workerID int, delivery amqp.Delivery, callbacks map[string]CallbackFunc) {
	startedAt := time.Now()
	s.lastDeliveryNs.Store(startedAt.UnixNano())
	metrics.RabbitMQLastDeliverySeconds.Set(float64(startedAt.Unix()))

	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	log.Infof("rabbitmq worker_start worker_id=%d queue=%s routing_key=%s delivery_tag=%d redelivered=%t",
		workerID, s.queue, delivery.RoutingKey, delivery.DeliveryTag, delivery.Redelivered)

	callback, exists := callbacks[delivery.RoutingKey]
	if !exists {
		s.nack(delivery, false)
		s.observe("permanent_error", startedAt)
		log.Errorf("rabbitmq worker_finish worker_id=%d routing_key=%s action=nack err=%q",
			workerID, delivery.RoutingKey, "no callback for routing key")
		return
	}

	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Exchange:    delivery.Exchange,
		ContentType: delivery.ContentType,
		Timestamp:   delivery.Timestamp,
		DeliveryTag: delivery.DeliveryTag,
		Attempt:     retryCountFromHeaders(delivery.Headers),
	}

	var callbackErr error
	panicked := func() (p bool) {
		defer func() {
			if r := recover(); r != nil {
				p = true
				callbackErr = fmt.Errorf("callback panicked: %v", r)
			}
		}()
		callbackErr = callback(msg)
		return false
	}()

	durationMs := func() int64 { return time.Since(startedAt).Milliseconds() }

	switch {
	case panicked:
		// Treat panics as permanent; requeuing would loop forever.
		s.nack(delivery, false)
		s.observe("panic", startedAt)
		log.Errorf("rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=nack panic=%v",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, durationMs(), callbackErr)

	case callbackErr == nil:
		s.ack(delivery)
		s.observe("success", startedAt)
		log.Infof("rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=ack",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, durationMs())

	case IsPermanent(callbackErr):
		s.nack(delivery, false)
		s.observe("permanent_error", startedAt)
		log.Errorf("rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=nack err=%v",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, durationMs(), callbackErr)

	case msg.Attempt >= s.opts.MaxRetries:
		// Retry budget exhausted; drop (dead-letter when configured).
		s.nack(delivery, false)
		s.observe("retries_exhausted", startedAt)
		log.Errorf("rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=nack attempts=%d err=%v",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, durationMs(), msg.Attempt, callbackErr)

	default:
		s.retry(delivery, msg.Attempt+1)
		s.observe("transient_error", startedAt)
		log.Warnf("rabbitmq worker_finish worker_id=%d routing_key=%s delivery_tag=%d duration_ms=%d action=retry next_attempt=%d err=%v",
			workerID, delivery.RoutingKey, delivery.DeliveryTag, durationMs(), msg.Attempt+1, callbackErr)
	}
}

func (s *Subscriber) ack(delivery amqp.Delivery) {
	s.opMu.Lock()
	err := delivery.Ack(false)
	s.opMu.Unlock()
	if err != nil {
		metrics.AckErrorTotal.Inc()
		log.Errorf("rabbitmq ack failed delivery_tag=%d err=%v", delivery.DeliveryTag, err)
	}
}

func (s *Subscriber) nack(delivery amqp.Delivery, requeue bool) {
	s.opMu.Lock()
	err := delivery.Nack(false, requeue)
	s.opMu.Unlock()
	if err != nil {
		metrics.NackErrorTotal.Inc()
		log.Errorf("rabbitmq nack failed delivery_tag=%d err=%v", delivery.DeliveryTag, err)
	}
}

// retry republishes the message to the retry exchange with an incremented
// attempt header, then acks the original to avoid tight redelivery loops.
func (s *Subscriber) retry(delivery amqp.Delivery, nextAttempt int) {
	retryExchange := s.opts.RetryExchangePrefix + s.queue
	pub := amqp.Publishing{
		Headers:      withRetryCountHeader(delivery.Headers, nextAttempt),
		ContentType:  delivery.ContentType,
		Body:         delivery.Body,
		DeliveryMode: delivery.DeliveryMode,
		Timestamp:    delivery.Timestamp,
	}

	s.opMu.Lock()
	publishErr := s.channel.Publish(retryExchange, delivery.RoutingKey, false, false, pub)
	if publishErr == nil {
		if err := delivery.Ack(false); err != nil {
			metrics.AckErrorTotal.Inc()
		}
	} else {
		metrics.RetryPublishErrorTotal.Inc()
		// Fall back to a broker requeue so the message is not lost.
		if err := delivery.Nack(false, true); err != nil {
			metrics.NackErrorTotal.Inc()
		}
	}
	s.opMu.Unlock()

	if publishErr != nil {
		log.Errorf("rabbitmq retry publish failed exchange=%s routing_key=%s err=%v", retryExchange, delivery.RoutingKey, publishErr)
	}
}

func (s *Subscriber) observe(result string, startedAt time.Time) {
	metrics.ProcessedTotal.WithLabelValues(result).Inc()
	metrics.ProcessingDurationSeconds.WithLabelValues(result).Observe(time.Since(startedAt).Seconds())
}

// consumeLoop keeps a consumer alive: if the broker restarts, the delivery
// channel closes; we reconnect with backoff and resume.
func (s *Subscriber) consumeLoop(jobs chan<- amqp.Delivery, callbacks map[string]CallbackFunc) {
	backoff := 1 * time.Second
	sleepAndGrow := func() {
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}

	for {
		select {
		case <-s.done:
			close(jobs)
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		s.opMu.Lock()
		if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
			if err := s.reconnectLocked(ctx); err != nil {
				s.opMu.Unlock()
				cancel()
				log.Errorf("rabbitmq reconnect failed queue=%s exchange=%s err=%v", s.queue, s.exchange, err)
				sleepAndGrow()
				continue
			}
		}

		// Re-apply QoS and bindings on each (re)connect.
		if err := s.channel.Qos(s.opts.Workers, 0, false); err != nil {
			s.markDisconnected(err)
			s.opMu.Unlock()
			cancel()
			log.Errorf("rabbitmq qos failed queue=%s err=%v", s.queue, err)
			sleepAndGrow()
			continue
		}

		bindFailed := false
		for routingKey := range callbacks {
			if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
				s.markDisconnected(err)
				log.Errorf("rabbitmq bind failed queue=%s exchange=%s routing_key=%s err=%v", s.queue, s.exchange, routingKey, err)
				bindFailed = true
				break
			}
		}
		if bindFailed {
			s.opMu.Unlock()
			cancel()
			sleepAndGrow()
			continue
		}

		msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
		s.opMu.Unlock()
		cancel()
		if err != nil {
			s.markDisconnected(err)
			log.Errorf("rabbitmq consume failed queue=%s err=%v", s.queue, err)
			sleepAndGrow()
			continue
		}

		log.Infof("rabbitmq consuming exchange=%s queue=%s workers=%d", s.exchange, s.queue, s.opts.Workers)
		backoff = 1 * time.Second

	Receive:
		for {
			select {
			case <-s.done:
				close(jobs)
				return
			case delivery, ok := <-msgs:
				if !ok {
					s.connected.Store(false)
					metrics.RabbitMQConnected.Set(0)
					log.Warnf("rabbitmq delivery channel closed queue=%s exchange=%s; reconnecting", s.queue, s.exchange)
					sleepAndGrow()
					break Receive
				}
				jobs <- delivery
			}
		}
	}
}

// Close closes the subscriber connection and channel.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
		// already closed
	default:
		close(s.done)
	}

	var err error
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			log.Errorf("Failed to close channel: %v", channelErr)
			err = channelErr
		}
		s.channel = nil
	}

	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil {
			log.Errorf("Failed to close connection: %v", connErr)
			if err == nil {
				err = connErr
			}
		}
		s.conn = nil
	}

	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)
	return err
}

// IsConnected indicates if the subscriber is currently connected (best-effort).
func (s *Subscriber) IsConnected() bool {
	if s.conn == nil || s.channel == nil {
		return false
	}
	if s.conn.IsClosed() {
		return false
	}
	return s.connected.Load()
}

// LastConnectAt returns the last time we successfully (re)connected.
func (s *Subscriber) LastConnectAt() time.Time {
	ns := s.lastConnectNs.Load()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastDeliveryAt returns the last time we observed a delivery.
func (s *Subscriber) LastDeliveryAt() time.Time {
	ns := s.lastDeliveryNs.Load()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastError returns the last connection/consumption error string (best-effort).
func (s *Subscriber) LastError() string {
	v := s.lastError.Load()
	if v == nil {
		return ""
	}
	if str, ok := v.(string); ok {
		return str
	}
	return ""
}

// GetExchange returns the exchange name.
func (s *Subscriber) GetExchange() string { return s.exchange }

// GetQueue returns the queue name.
func (s *Subscriber) GetQueue() string { return s.queue }
