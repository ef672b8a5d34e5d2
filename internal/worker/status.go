package worker

import (
	"context"
	"encoding/json"
	"time"

	"golang.org/x/time/rate"

	"github.com/agriscope/gleaner/internal/bus"
	"github.com/agriscope/gleaner/internal/log"
	"github.com/agriscope/gleaner/internal/model"
)

// statusPublisher announces job progress on TopicStatus. Progress events are
// throttled to one per second per job; lifecycle events always go out.
// Publishing is best-effort and never fails the job.
type statusPublisher struct {
	bus       bus.Bus
	limiter   *rate.Limiter
	extractor string
	jobID     string
	datasetID string
}

func newStatusPublisher(b bus.Bus, extractorName string, req model.ExtractionRequest) *statusPublisher {
	return &statusPublisher{
		bus:       b,
		limiter:   rate.NewLimiter(rate.Every(time.Second), 1),
		extractor: extractorName,
		jobID:     req.ID,
		datasetID: req.DatasetID,
	}
}

// publish sends one status event. Unforced events are dropped when the
// per-job rate limit is exhausted.
func (p *statusPublisher) publish(ctx context.Context, phase model.StatusPhase, msg string, force bool) {
	if !force && !p.limiter.Allow() {
		return
	}

	evt := model.StatusEvent{
		JobID:     p.jobID,
		DatasetID: p.datasetID,
		Extractor: p.extractor,
		Phase:     phase,
		Message:   msg,
		AtUnix:    time.Now().Unix(),
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := p.bus.Publish(ctx, string(model.TopicStatus), payload); err != nil {
		wlog := log.WithComponentFromContext(ctx, "worker")
		wlog.Debug().
			Err(err).
			Str(log.FieldTopic, string(model.TopicStatus)).
			Msg("status publish dropped")
	}
}
