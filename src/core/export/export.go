package export

import (
	"context"
	"io"

	"geobatch/src/core/auth"
	"geobatch/src/core/fault"
	"geobatch/src/infrastructure/logstream"
	"geobatch/src/storage/minioctrl"
	"geobatch/src/storage/postgres/exportctrl"
	"geobatch/src/storage/postgres/jobctrl"
)

// DefaultMonthlyLimit is the number of exports a plain user may create
// per calendar month.
const DefaultMonthlyLimit = 5

type ExportStore interface {
	Generate(ctx context.Context, uid, jobID int64, format string) (*exportctrl.Export, error)
	FromID(ctx context.Context, id int64) (*exportctrl.Export, error)
	CountMonth(ctx context.Context, uid int64) (int64, error)
}

type JobStore interface {
	FromID(ctx context.Context, id int64) (*jobctrl.Job, error)
}

type Submitter interface {
	SubmitExport(id, job int64, format string) error
}

// ArtifactStore serves completed export archives.
type ArtifactStore interface {
	StreamObject(ctx context.Context, key string, w io.Writer) (int64, error)
}

type LogStore interface {
	Events(ctx context.Context, stream string) ([]logstream.Event, error)
}

// Service owns the export lifecycle: quota-gated creation, and
// owner-gated access to artifacts and processing logs.
type Service struct {
	exports   ExportStore
	jobs      JobStore
	submitter Submitter
	artifacts ArtifactStore
	logs      LogStore
	limit     int64
	stack     string
}

func NewService(exports ExportStore, jobs JobStore, submitter Submitter, artifacts ArtifactStore, logs LogStore, limit int64, stack string) *Service {
	if limit <= 0 {
		limit = DefaultMonthlyLimit
	}

	return &Service{
		exports:   exports,
		jobs:      jobs,
		submitter: submitter,
		artifacts: artifacts,
		logs:      logs,
		limit:     limit,
		stack:     stack,
	}
}

// Create records an export of a successful job and submits it for
// conversion. Plain users are held to the monthly quota; elevated
// callers bypass it.
func (s *Service) Create(ctx context.Context, who auth.Identity, jobID int64, format string) (*exportctrl.Export, error) {
	if !who.Elevated() {
		count, err := s.exports.CountMonth(ctx, who.UID)
		if err != nil {
			return nil, err
		}
		if count >= s.limit {
			return nil, fault.Conflict("monthly export limit of %d reached", s.limit)
		}
	}

	job, err := s.jobs.FromID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != jobctrl.StatusSuccess {
		return nil, fault.Precondition("job %d is %s; only successful jobs can be exported", jobID, job.Status)
	}

	export, err := s.exports.Generate(ctx, who.UID, jobID, format)
	if err != nil {
		return nil, err
	}

	// The test stack has no conversion fleet behind the queue
	if s.stack == "test" {
		return export, nil
	}

	if err := s.submitter.SubmitExport(export.ID, jobID, format); err != nil {
		return nil, err
	}

	return export, nil
}

// Data streams a finished export archive to the sink. Only the owner or
// an elevated caller may read it.
func (s *Service) Data(ctx context.Context, who auth.Identity, id int64, w io.Writer) (int64, error) {
	export, err := s.exports.FromID(ctx, id)
	if err != nil {
		return 0, err
	}
	if !who.Owns(export.UID) {
		return 0, fault.Forbidden("export %d belongs to another user", id)
	}
	if export.Status != jobctrl.StatusSuccess {
		return 0, fault.Precondition("export %d is %s; data is only available once it succeeds", id, export.Status)
	}

	return s.artifacts.StreamObject(ctx, minioctrl.ExportKey(s.stack, id), w)
}

// Log returns the processing log of an export, again owner-gated. An
// export that never started processing has no log stream yet.
func (s *Service) Log(ctx context.Context, who auth.Identity, id int64) ([]logstream.Event, error) {
	export, err := s.exports.FromID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.Owns(export.UID) {
		return nil, fault.Forbidden("export %d belongs to another user", id)
	}
	if export.Loglink == "" {
		return nil, fault.NotFound("export %d has no log stream", id)
	}

	return s.logs.Events(ctx, export.Loglink)
}
