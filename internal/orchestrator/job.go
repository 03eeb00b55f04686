package orchestrator

import (
	"context"

	"agency-core/internal/media"
	"agency-core/internal/models"
)

// JobType is the queue job type for orchestration runs.
const JobType = "crew:orchestrate"

const mediaJobType = media.JobType

func mediaPayload(req Request, demand DemandType) media.Payload {
	return media.Payload{SourceURL: req.MediaURL, RequestID: req.RequestID, DemandType: string(demand)}
}

// HandleJob runs an orchestration submitted through the queue. The job id becomes the request id so a retried
// job archives under the same key.
func (o *Orchestrator) HandleJob(ctx context.Context, job models.Job) error {
	var req Request
	if err := job.DecodePayload(&req); err != nil {
		return err
	}
	if req.RequestedBy == "" {
		req.RequestedBy = job.OwnerID
	}
	if req.ClientID == "" {
		req.ClientID = job.Tenant
	}
	req.RequestID = job.ID
	_, err := o.Orchestrate(ctx, req)
	return err
}
