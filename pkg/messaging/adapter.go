package messaging

import (
	"context"

	"github.com/jwalitptl/alerts-api/pkg/logger"
)

// Handler processes one raw payload.
type Handler func(ctx context.Context, payload []byte) error

// Consume subscribes to topic and runs handler for every payload until ctx is
// cancelled or the stream ends. Handler errors are logged and skipped.
func Consume(ctx context.Context, broker Broker, topic string, handler Handler, log *logger.Logger) error {
	msgChan, err := broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(ctx, msg); err != nil {
				log.Error(err, "Failed to handle message", "topic", topic)
			}
		}
		log.Debug("Consumer stopped", "topic", topic)
	}()

	return nil
}
