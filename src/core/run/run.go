package run

import (
	"context"
	"encoding/json"
	"fmt"

	"geobatch/src/core/fault"
	"geobatch/src/log"
	"geobatch/src/storage/postgres/jobctrl"
	"geobatch/src/storage/postgres/runctrl"
)

// RunStore is the persistence surface the orchestrator needs for runs.
type RunStore interface {
	Generate(ctx context.Context, live bool, github *runctrl.GithubRef) (*runctrl.Run, error)
	FromID(ctx context.Context, id int64) (*runctrl.Run, error)
	Commit(ctx context.Context, run *runctrl.Run) error
	Close(ctx context.Context, id int64) error
}

type JobStore interface {
	Generate(ctx context.Context, run int64, spec jobctrl.Spec) (*jobctrl.Job, error)
	FromID(ctx context.Context, id int64) (*jobctrl.Job, error)
	ListByRun(ctx context.Context, run int64) ([]jobctrl.Job, error)
}

type DataStore interface {
	Update(ctx context.Context, job *jobctrl.Job) error
}

type JobErrorStore interface {
	Resolve(ctx context.Context, job int64) error
}

// Submitter enqueues a job for processing. ciCheck tells the worker
// whether a CI check run is waiting on the result.
type Submitter interface {
	SubmitJob(id int64, source, layer, name string, ciCheck bool) error
}

// CheckCloser reports a run's terminal state back to its CI check run.
type CheckCloser interface {
	FinishCheck(ctx context.Context, run *runctrl.Run, agg jobctrl.Status) error
}

// ManifestFetcher downloads a raw source manifest.
type ManifestFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// PartialFailure reports a populate that created some jobs before the
// queue refused one. The jobs already created stay in the run. Orphaned
// holds the id of a job row that exists but was never submitted, so
// operators can find and rerun it.
type PartialFailure struct {
	Run      int64
	Created  []int64
	Orphaned int64
	Err      error
}

func (e *PartialFailure) Error() string {
	if e.Orphaned != 0 {
		return fmt.Sprintf("run %d populated %d jobs before submission failed, job %d never submitted: %v", e.Run, len(e.Created), e.Orphaned, e.Err)
	}
	return fmt.Sprintf("run %d populated %d jobs before submission failed: %v", e.Run, len(e.Created), e.Err)
}

func (e *PartialFailure) Unwrap() error {
	return e.Err
}

// PopulateResult reports the jobs a populate call created.
type PopulateResult struct {
	Run  int64   `json:"run"`
	Jobs []int64 `json:"jobs"`
}

// Service carries the run lifecycle: populating runs with jobs, folding
// job completions back into run state, and reruns.
type Service struct {
	runs      RunStore
	jobs      JobStore
	data      DataStore
	errors    JobErrorStore
	submitter Submitter
	checks    CheckCloser
	manifests ManifestFetcher
}

func NewService(runs RunStore, jobs JobStore, data DataStore, errors JobErrorStore, submitter Submitter, checks CheckCloser, manifests ManifestFetcher) *Service {
	return &Service{
		runs:      runs,
		jobs:      jobs,
		data:      data,
		errors:    errors,
		submitter: submitter,
		checks:    checks,
		manifests: manifests,
	}
}

// Populate fills an open run with jobs and closes it. Each element of
// raw is either a JSON string holding a manifest URL, which is fetched
// and exploded into one spec per layer entry, or a spec object carrying
// source, layer and name. A run may only be populated once; the run
// closes even when
// submission fails partway so it can never be refilled.
func (s *Service) Populate(ctx context.Context, runID int64, raw []json.RawMessage) (*PopulateResult, error) {
	current, err := s.runs.FromID(ctx, runID)
	if err != nil {
		return nil, err
	}
	if current.Closed {
		return nil, fault.Conflict("run %d is already closed", runID)
	}

	var specs []jobctrl.Spec
	for i, element := range raw {
		var url string
		if err := json.Unmarshal(element, &url); err == nil {
			exploded, err := s.explode(ctx, url)
			if err != nil {
				log.Error(err, "skipping source", "run", runID, "source", url)
				continue
			}
			specs = append(specs, exploded...)
			continue
		}

		var spec jobctrl.Spec
		if err := json.Unmarshal(element, &spec); err != nil || spec.Source == "" || spec.Layer == "" || spec.Name == "" {
			return nil, fault.Validation("element %d is neither a source url nor a job spec", i)
		}
		specs = append(specs, spec)
	}

	ciCheck := current.Github != nil

	created := make([]int64, 0, len(specs))
	for _, spec := range specs {
		job, err := s.jobs.Generate(ctx, runID, spec)
		if err != nil {
			s.close(ctx, runID)
			return nil, &PartialFailure{Run: runID, Created: created, Err: err}
		}

		if err := s.submitter.SubmitJob(job.ID, spec.Source, spec.Layer, spec.Name, ciCheck); err != nil {
			s.close(ctx, runID)
			return nil, &PartialFailure{Run: runID, Created: created, Orphaned: job.ID, Err: err}
		}

		created = append(created, job.ID)
	}

	s.close(ctx, runID)

	return &PopulateResult{Run: runID, Jobs: created}, nil
}

func (s *Service) explode(ctx context.Context, url string) ([]jobctrl.Spec, error) {
	data, err := s.manifests.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return ExplodeManifest(url, data)
}

func (s *Service) close(ctx context.Context, runID int64) {
	if err := s.runs.Close(ctx, runID); err != nil {
		log.Error(err, "failed to close run", "run", runID)
	}
}

// Ping folds a job's new status into run state. For live runs the job
// output is published into the current data set. For CI runs, once every
// sibling job has finished, the run's check is concluded with the
// aggregate status.
func (s *Service) Ping(ctx context.Context, job *jobctrl.Job) error {
	current, err := s.runs.FromID(ctx, job.Run)
	if err != nil {
		return fault.Internal(err, "job %d has no run", job.ID)
	}

	if current.Live {
		if job.Status != jobctrl.StatusSuccess {
			return nil
		}
		return s.data.Update(ctx, job)
	}

	if current.Github == nil || current.Github.Closed {
		return nil
	}

	siblings, err := s.jobs.ListByRun(ctx, current.ID)
	if err != nil {
		return err
	}

	statuses := make([]jobctrl.Status, 0, len(siblings))
	for _, sibling := range siblings {
		if sibling.Status != jobctrl.StatusSuccess && sibling.Status != jobctrl.StatusFail {
			return nil
		}
		statuses = append(statuses, sibling.Status)
	}

	return s.checks.FinishCheck(ctx, current, runctrl.Aggregate(statuses))
}

// Rerun schedules a job's source again under a fresh run. The new run
// inherits the live flag but carries no CI reference, so a rerun never
// reopens an old check.
func (s *Service) Rerun(ctx context.Context, jobID int64) (*PopulateResult, error) {
	job, err := s.jobs.FromID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	previous, err := s.runs.FromID(ctx, job.Run)
	if err != nil {
		return nil, err
	}

	next, err := s.runs.Generate(ctx, previous.Live, nil)
	if err != nil {
		return nil, err
	}

	spec, err := json.Marshal(jobctrl.Spec{
		Source: job.Source,
		Layer:  job.Layer,
		Name:   job.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job spec: %w", err)
	}

	return s.Populate(ctx, next.ID, []json.RawMessage{spec})
}

// Moderation decisions for a flagged job failure.
const (
	DecisionConfirm = "confirm"
	DecisionRerun   = "rerun"
)

// ModerateError settles a flagged job failure. Confirming marks the
// failure as expected; rerunning schedules the source again before
// resolving the flag.
func (s *Service) ModerateError(ctx context.Context, jobID int64, decision string) (*PopulateResult, error) {
	switch decision {
	case DecisionConfirm:
		return nil, s.errors.Resolve(ctx, jobID)
	case DecisionRerun:
		result, err := s.Rerun(ctx, jobID)
		if err != nil {
			return nil, err
		}
		return result, s.errors.Resolve(ctx, jobID)
	default:
		return nil, fault.Validation("unknown moderation decision %q", decision)
	}
}
