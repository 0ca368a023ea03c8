package notify

import (
	"context"
	"log/slog"

	"fieldops/internal/model"
)

// LogNotifier records escalations in the service log. It stands in for the
// notification and worker-allocation collaborators when Kafka is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, evt model.EscalationEvent) error {
	if n.logger != nil {
		n.logger.InfoContext(ctx, "escalation event",
			"event_id", evt.ID,
			"building_id", evt.BuildingID,
			"from", evt.From,
			"to", evt.To,
			"reason", evt.Reason,
			"operator", evt.Operator,
		)
	}
	return nil
}

func (n *LogNotifier) RequestReassignment(ctx context.Context, req model.ReassignmentRequest) error {
	if n.logger != nil {
		n.logger.WarnContext(ctx, "worker reassignment requested",
			"building_id", req.BuildingID,
			"urgency", req.Urgency,
		)
	}
	return nil
}
