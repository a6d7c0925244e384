package service

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/totegamma/profilesync/internal/domain"
)

const progressChannelPrefix = "profilesync:progress:"

// SignalService fans saga progress out through redis pub/sub so any node
// can stream it to the client.
type SignalService struct {
	rdb    *redis.Client
	logger *zap.Logger
}

func NewSignalService(redisClient *redis.Client, logger *zap.Logger) *SignalService {
	return &SignalService{
		rdb:    redisClient,
		logger: logger.With(zap.String("service", "signal")),
	}
}

func progressChannel(identityID string) string {
	return progressChannelPrefix + identityID
}

func (s *SignalService) Publish(ctx context.Context, channel string, event domain.Event) error {

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return err
	}

	err = s.rdb.Publish(ctx, channel, jsonstr).Err()
	if err != nil {
		return err
	}

	return nil
}

// Report logs publish failures instead of returning them.
func (s *SignalService) Report(ctx context.Context, event domain.Event) {
	err := s.Publish(context.WithoutCancel(ctx), progressChannel(event.IdentityID), event)
	if err != nil {
		s.logger.Warn("failed to publish progress",
			zap.String("identity", event.IdentityID),
			zap.Stringer("step", event.Step),
			zap.Error(err),
		)
	}
}

// Subscribe streams progress events of one identity until ctx is done.
func (s *SignalService) Subscribe(ctx context.Context, identityID string) (<-chan domain.Event, error) {
	pubsub := s.rdb.Subscribe(ctx, progressChannel(identityID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	output := make(chan domain.Event)
	go func() {
		defer close(output)
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					s.logger.Debug("malformed progress event", zap.Error(err))
					continue
				}
				select {
				case output <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return output, nil
}
