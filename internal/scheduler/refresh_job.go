package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/pipeline"
)

// refreshTimeout bounds a scheduled recompute, covering slow upstream APIs
// with their retry budgets.
const refreshTimeout = 10 * time.Minute

// Runner recomputes the analysis dataset.
type Runner interface {
	Run(ctx context.Context, force bool) (*pipeline.Result, error)
}

// RefreshJob recomputes the dataset from the upstream sources, replacing the
// cached result.
type RefreshJob struct {
	runner Runner
	log    zerolog.Logger
}

// NewRefreshJob creates a dataset refresh job.
func NewRefreshJob(runner Runner, log zerolog.Logger) *RefreshJob {
	return &RefreshJob{
		runner: runner,
		log:    log.With().Str("job", "dataset_refresh").Logger(),
	}
}

// Run executes the refresh.
func (j *RefreshJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	res, err := j.runner.Run(ctx, true)
	if err != nil {
		return err
	}

	j.log.Info().
		Str("run_id", res.RunID).
		Int("rows", res.Table.NumRows()).
		Str("risk_level", string(res.Current.RiskLevel)).
		Msg("Dataset refreshed")
	return nil
}

// Name identifies the job in scheduler logs.
func (j *RefreshJob) Name() string { return "dataset_refresh" }
