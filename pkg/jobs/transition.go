package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/synaptica-ai/jobs/pkg/observability/metrics"
)

// Transitioner applies conditional state changes and announces the ones
// that took effect.
type Transitioner struct {
	Store   Store
	Events  EventPublisher
	Metrics *metrics.Metrics
	Log     logrus.FieldLogger
	Source  string
	Now     func() time.Time
}

func (t *Transitioner) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

// To moves job to state to if it still matches expect. A nil expect
// means "still in the state job was read in". Entering a terminal state
// stamps end_time unless patch already does. On success job.State is
// updated in place.
func (t *Transitioner) To(ctx context.Context, job *Job, expect Fields, to State, patch Fields) (bool, error) {
	if expect == nil {
		expect = Fields{ColState: job.State}
	}
	p := make(Fields, len(patch)+2)
	for k, v := range patch {
		p[k] = v
	}
	p[ColState] = to
	if to.Terminal() {
		if _, ok := p[ColEndTime]; !ok {
			p[ColEndTime] = t.now()
		}
	}

	ok, err := t.Store.Update(ctx, job.ID, expect, p)
	if err != nil || !ok {
		return ok, err
	}

	from := job.State
	job.State = to
	job.StateGroup = to.Group()
	msg, _ := p[ColMessage].(string)
	if msg != "" {
		job.Message = msg
	}
	t.Metrics.Transitioned(to.String())
	if t.Log != nil {
		t.Log.WithFields(logrus.Fields{
			"job_id":   job.ID,
			"job_type": job.Type,
			"from":     from.String(),
			"state":    to.String(),
		}).Info("job state changed")
	}
	PublishState(ctx, t.Events, t.Log, t.Source, job, to, msg)
	return true, nil
}
