// Package nats implements the message queue port using NATS JetStream, the
// KV buckets backing idempotency and the L2 cache, and the request/reply
// script runner.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/ReplyForge/internal/logger"
	"github.com/Strob0t/ReplyForge/internal/port/messagequeue"
)

// DefaultStream is the JetStream stream used when none is configured.
const DefaultStream = "REPLYFORGE"

const (
	headerRequestID  = "X-Request-ID"
	headerRetryCount = "Retry-Count"
	headerLastError  = "Last-Error"

	maxRetries = 3
	dlqSuffix  = ".dlq"
)

// streamSubjects are captured by the stream. DLQ subjects fall under the
// same wildcards.
var streamSubjects = []string{"inbound.>", "pipeline.>"}

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url, stream string) (*Queue, error) {
	if stream == "" {
		stream = DefaultStream
	}
	nc, err := nats.Connect(url,
		nats.Name("replyforge"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       stream,
		Subjects:   streamSubjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 2 * time.Minute,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", stream)
	return &Queue{nc: nc, js: js, stream: stream}, nil
}

// Conn returns the underlying core NATS connection.
func (q *Queue) Conn() *nats.Conn { return q.nc }

// Publish sends a message to the given subject. The request ID carried by
// ctx travels as a header.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{Subject: subject, Data: data, Header: nats.Header{}}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}
	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a durable consumer for the subject. Payloads failing
// schema validation go straight to the subject's DLQ. A handler error
// republishes the message with an incremented Retry-Count header until
// maxRetries is reached, after which it is moved to the DLQ.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       durableName(subject),
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		q.handle(ctx, msg, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

func (q *Queue) handle(base context.Context, msg jetstream.Msg, handler messagequeue.Handler) {
	hdrs := msg.Headers()
	ctx := base
	if reqID := hdrs.Get(headerRequestID); reqID != "" {
		ctx = logger.WithRequestID(ctx, reqID)
	}

	if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
		slog.Error("invalid message payload", "subject", msg.Subject(), "error", err)
		q.moveToDLQ(ctx, msg, err)
		return
	}

	if err := handler(ctx, msg.Subject(), msg.Data()); err != nil {
		retries := retryCount(hdrs)
		slog.Error("message handler failed", "subject", msg.Subject(), "retry", retries, "error", err)
		if retries >= maxRetries {
			q.moveToDLQ(ctx, msg, err)
			return
		}
		if rErr := q.republish(ctx, msg, retries+1); rErr != nil {
			slog.Error("nats retry publish failed", "subject", msg.Subject(), "error", rErr)
			if nakErr := msg.NakWithDelay(time.Duration(retries+1) * time.Second); nakErr != nil {
				slog.Error("nats nak failed", "error", nakErr)
			}
			return
		}
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

func (q *Queue) republish(ctx context.Context, msg jetstream.Msg, retry int) error {
	out := &nats.Msg{Subject: msg.Subject(), Data: msg.Data(), Header: copyHeader(msg.Headers())}
	out.Header.Set(headerRetryCount, strconv.Itoa(retry))
	_, err := q.js.PublishMsg(ctx, out)
	return err
}

func (q *Queue) moveToDLQ(ctx context.Context, msg jetstream.Msg, cause error) {
	out := &nats.Msg{Subject: msg.Subject() + dlqSuffix, Data: msg.Data(), Header: copyHeader(msg.Headers())}
	out.Header.Set(headerLastError, truncate(cause.Error(), 512))
	if _, err := q.js.PublishMsg(ctx, out); err != nil {
		slog.Error("nats dlq publish failed", "subject", out.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

// KeyValue returns the named KV bucket, creating it with the given TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain gracefully drains all subscriptions before closing.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the NATS connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func retryCount(h nats.Header) int {
	n, err := strconv.Atoi(h.Get(headerRetryCount))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func copyHeader(h nats.Header) nats.Header {
	out := nats.Header{}
	for k, v := range h {
		out[k] = append([]string(nil), v...)
	}
	return out
}

// durableName derives a consumer name from a subject filter. Durable names
// may not contain '.', '*' or '>'.
func durableName(subject string) string {
	r := strings.NewReplacer(".", "_", "*", "any", ">", "all")
	return "replyforge_" + r.Replace(subject)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
