package reply

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/cadence/internal/sqs"
)

type RetrySource interface {
	Receive(ctx context.Context, limit int32) ([]sqs.Received, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// RetryLoop drains replies that failed on the webhook path. Messages that keep
// failing stay in the queue until its redrive policy moves them to a DLQ.
type RetryLoop struct {
	interceptor *Interceptor
	source      RetrySource
	batch       int32
	logger      *zap.Logger
}

func NewRetryLoop(interceptor *Interceptor, source RetrySource, logger *zap.Logger) *RetryLoop {
	return &RetryLoop{
		interceptor: interceptor,
		source:      source,
		batch:       10,
		logger:      logger,
	}
}

// Run polls until ctx is cancelled.
func (l *RetryLoop) Run(ctx context.Context) {
	l.logger.Info("reply retry loop started")
	for {
		if ctx.Err() != nil {
			l.logger.Info("reply retry loop stopped")
			return
		}
		if _, err := l.Poll(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("reply retry poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and applies it. It returns how many messages were
// applied and deleted.
func (l *RetryLoop) Poll(ctx context.Context) (int, error) {
	msgs, err := l.source.Receive(ctx, l.batch)
	if err != nil {
		return 0, err
	}

	done := 0
	for _, m := range msgs {
		signal, err := fromMessage(m.Message)
		if err == nil {
			_, err = l.interceptor.process(ctx, signal)
		}

		switch {
		case err == nil, errors.Is(err, ErrInvalidSignal):
			if err != nil {
				l.logger.Warn("dropping invalid reply signal", zap.Error(err))
			}
			if derr := l.source.Delete(ctx, m.ReceiptHandle); derr != nil {
				l.logger.Error("failed to delete reply message", zap.Error(derr))
				continue
			}
			done++
		default:
			delay := backoff(m.ReceiveCount, errors.Is(err, ErrInProgress))
			l.logger.Warn("reply retry failed",
				zap.String("recipient_address", m.Message.RecipientAddress),
				zap.Int("receive_count", m.ReceiveCount),
				zap.Int32("retry_in_seconds", delay),
				zap.Error(err),
			)
			if verr := l.source.ChangeVisibility(ctx, m.ReceiptHandle, delay); verr != nil {
				l.logger.Warn("failed to change message visibility", zap.Error(verr))
			}
		}
	}
	return done, nil
}

// backoff is the visibility delay before the next delivery, in seconds.
func backoff(receiveCount int, contended bool) int32 {
	if contended {
		return 5
	}
	secs := 30 * max(receiveCount, 1)
	return int32(min(secs, 900))
}
