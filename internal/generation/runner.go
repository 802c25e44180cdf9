package generation

import (
	"context"

	"github.com/yourusername/korsify/internal/jobs"
)

// JobRunner は Pipeline を jobs.Runner として使えるようにします。
type JobRunner struct {
	pipeline *Pipeline
}

func NewJobRunner(p *Pipeline) *JobRunner {
	return &JobRunner{pipeline: p}
}

func (r *JobRunner) Run(ctx context.Context, job *jobs.Job, report jobs.ProgressFunc) error {
	_, err := r.pipeline.Run(ctx, Input{
		JobID:       job.JobID,
		CourseID:    job.CourseID,
		DocumentIDs: job.DocumentIDs,
		Options:     job.Options,
	}, report)
	return err
}

var _ jobs.Runner = (*JobRunner)(nil)
