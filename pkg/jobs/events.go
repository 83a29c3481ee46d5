package jobs

import (
	"context"

	"github.com/sirupsen/logrus"
)

const (
	EventJobSubmitted       = "job_submitted"
	EventJobCancelRequested = "job_cancel_requested"
	EventJobStateChanged    = "job_state_changed"
)

// EventPublisher is satisfied by kafka.Producer.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

type NopPublisher struct{}

func (NopPublisher) PublishEvent(context.Context, string, string, map[string]interface{}) error {
	return nil
}

// Publish sends an event about job. Delivery is best effort: the job
// record is the source of truth and a lost event only delays a wake-up.
func Publish(ctx context.Context, pub EventPublisher, log logrus.FieldLogger, source, eventType string, job *Job, extra map[string]interface{}) {
	if pub == nil {
		return
	}
	data := map[string]interface{}{
		"job_id":       job.ID,
		"workspace_id": job.WorkspaceID,
		"project_id":   job.ProjectID,
		"job_type":     job.Type,
		"state":        job.State.String(),
	}
	for k, v := range extra {
		data[k] = v
	}
	if err := pub.PublishEvent(ctx, eventType, source, data); err != nil && log != nil {
		log.WithError(err).WithFields(logrus.Fields{
			"job_id":     job.ID,
			"event_type": eventType,
		}).Warn("failed to publish job event")
	}
}

// PublishState announces that job entered state.
func PublishState(ctx context.Context, pub EventPublisher, log logrus.FieldLogger, source string, job *Job, state State, message string) {
	snapshot := *job
	snapshot.State = state
	extra := map[string]interface{}{}
	if message != "" {
		extra["message"] = message
	}
	Publish(ctx, pub, log, source, EventJobStateChanged, &snapshot, extra)
}
