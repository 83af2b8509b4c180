package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

type publisher interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type queue struct {
	js      publisher
	subject string
}

func New(js publisher, subject string) *queue {
	return &queue{
		js:      js,
		subject: subject,
	}
}

// Enqueue publishes the job id. The id doubles as the JetStream message id,
// so a retried publish inside the dedup window is dropped by the server.
func (q *queue) Enqueue(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("empty jobID")
	}

	msg := &nats.Msg{
		Subject: q.subject,
		Data:    []byte(jobID),
		Header:  nats.Header{},
	}
	msg.Header.Set(nats.MsgIdHdr, jobID)

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("enqueue job %s: publish failed: %w", jobID, err)
	}

	slog.Debug(
		"job enqueued",
		slog.String("job_id", jobID),
		slog.String("subject", q.subject),
		slog.String("stream", ack.Stream),
		slog.Uint64("seq", ack.Sequence),
		slog.Bool("duplicate", ack.Duplicate),
	)

	return nil
}
