package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/domain"
	"github.com/jupiterclapton/cenackle/services/timeline-service/internal/core/ports"
)

const (
	StreamName   = "FEEDS"
	JobSubject   = "feeds.regenerate"
	ConsumerName = "timeline-regeneration"

	// Fenêtre de déduplication serveur (Nats-Msg-Id). Chaque demande porte son
	// propre token : seules les republications d'une même demande sont écartées.
	dedupWindow = 30 * time.Second
)

// ErrDuplicateJob : le serveur a déjà reçu ce message dans la fenêtre de dédup.
var ErrDuplicateJob = errors.New("queue: duplicate job")

// JetStream : file durable, livraison at-least-once, ack après le job.
type JetStream struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	ackWait time.Duration
}

var _ ports.JobQueue = (*JetStream)(nil)

// NewJetStream s'assure que le Stream existe (Idempotent)
func NewJetStream(ctx context.Context, nc *nats.Conn, ackWait time.Duration) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{JobSubject},
		Retention:  jetstream.WorkQueuePolicy,
		Storage:    jetstream.FileStorage,
		Duplicates: dedupWindow,
		Replicas:   1, // Mettre 3 en cluster
	})
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}

	if ackWait <= 0 {
		ackWait = 5 * time.Minute
	}
	return &JetStream{js: js, stream: stream, ackWait: ackWait}, nil
}

func (q *JetStream) Enqueue(ctx context.Context, job domain.RegenerationJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	msg := &nats.Msg{
		Subject: JobSubject,
		Data:    data,
		Header:  nats.Header{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(msg.Header))

	ack, err := q.js.PublishMsg(ctx, msg, jetstream.WithMsgID(job.MessageID()))
	if err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return checkAck(ack, job)
}

// checkAck : un doublon n'a rien mis en file, l'appelant doit relâcher son flag.
func checkAck(ack *jetstream.PubAck, job domain.RegenerationJob) error {
	if ack != nil && ack.Duplicate {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.MessageID())
	}
	return nil
}

// Consume traite les jobs jusqu'à l'annulation de ctx, avec au plus workers jobs en vol.
// Un job en erreur est terminé (Term), pas relivré : la relance passe par une nouvelle lecture.
func (q *JetStream) Consume(ctx context.Context, workers int, handler ports.JobHandler) error {
	if workers <= 0 {
		workers = 1
	}
	cons, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       ConsumerName,
		FilterSubject: JobSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.ackWait,
		MaxDeliver:    3,
		MaxAckPending: workers,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	wp := workerpool.New(workers)
	defer wp.StopWait()

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		wp.Submit(func() { q.handle(ctx, msg, handler) })
	})
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	defer cc.Stop()

	slog.Info("👂 Listening for regeneration jobs (JetStream)", "workers", workers)
	<-ctx.Done()
	return nil
}

func (q *JetStream) handle(ctx context.Context, msg jetstream.Msg, handler ports.JobHandler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(msg.Headers()))

	var job domain.RegenerationJob
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		slog.Error("❌ Invalid job format", "error", err)
		_ = msg.Term()
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, q.ackWait)
	defer cancel()

	if err := handler(jobCtx, job); err != nil {
		slog.Error("❌ Regeneration job failed", "job", job.MessageID(), "error", err)
		_ = msg.Term()
		return
	}
	if err := msg.Ack(); err != nil {
		slog.Warn("job ack failed", "job", job.MessageID(), "error", err)
	}
}
