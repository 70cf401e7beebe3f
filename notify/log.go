package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/warp/civic-points/approval"
)

// LogHandler returns a handler that logs every decision.
func LogHandler(logger *zap.Logger) Handler {
	return func(_ context.Context, e approval.DecisionMade) error {
		fields := []zap.Field{
			zap.String("entity_id", string(e.EntityID)),
			zap.String("kind", string(e.Kind)),
			zap.String("action", string(e.Action)),
			zap.String("from", string(e.From)),
			zap.String("to", string(e.To)),
			zap.String("user_id", string(e.UserID)),
			zap.String("actor_id", string(e.ActorID)),
		}
		if e.Delta != nil {
			fields = append(fields, zap.Int64("delta", *e.Delta))
		}
		logger.Info("decision made", fields...)
		return nil
	}
}
