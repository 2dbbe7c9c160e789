package joberrorctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"geobatch/src/core/fault"
)

// JobError is a moderated record of a failed live job. It is decoupled
// from the job row so operators can triage failures without touching job
// history.
type JobError struct {
	ID        int64     `gorm:"primaryKey" json:"id"`
	Job       int64     `gorm:"not null;uniqueIndex" json:"job"`
	Message   string    `gorm:"not null" json:"message"`
	Moderated bool      `gorm:"not null;default:false" json:"moderated"`
	Created   time.Time `gorm:"autoCreateTime" json:"created"`
}

func (JobError) TableName() string {
	return "job_error"
}

// Detail is a job error joined with the identifying fields of its job.
type Detail struct {
	JobError
	SourceName string `json:"source_name"`
	Layer      string `json:"layer"`
	Name       string `json:"name"`
	Status     string `json:"status"`
}

type JobErrorService struct {
	db *gorm.DB
}

func NewJobErrorService(db *gorm.DB) *JobErrorService {
	return &JobErrorService{db: db}
}

func (s *JobErrorService) Generate(ctx context.Context, job int64, message string) (*JobError, error) {
	if job == 0 || message == "" {
		return nil, fault.Validation("job error requires job and message")
	}

	jobErr := &JobError{
		Job:     job,
		Message: message,
	}

	result := s.db.WithContext(ctx).Create(jobErr)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create job error: %w", result.Error)
	}

	return jobErr, nil
}

// List returns unresolved errors with their job identity, for operator
// review.
func (s *JobErrorService) List(ctx context.Context) ([]Detail, error) {
	var details []Detail
	result := s.db.WithContext(ctx).Table("job_error").
		Select("job_error.*, job.source_name, job.layer, job.name, job.status").
		Joins("LEFT JOIN job ON job.id = job_error.job").
		Where("job_error.moderated = false").
		Order("job_error.id DESC").
		Find(&details)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch job errors: %w", result.Error)
	}
	return details, nil
}

func (s *JobErrorService) Count(ctx context.Context) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&JobError{}).Where("moderated = false").Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count job errors: %w", result.Error)
	}
	return count, nil
}

func (s *JobErrorService) Get(ctx context.Context, job int64) (*JobError, error) {
	var jobErr JobError
	result := s.db.WithContext(ctx).Where("job = ?", job).First(&jobErr)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("no job error for job %d", job)
		}
		return nil, fmt.Errorf("failed to fetch job error: %w", result.Error)
	}
	return &jobErr, nil
}

// Resolve marks the error moderated. The transition is one-way; resolving
// an already-resolved error is a conflict.
func (s *JobErrorService) Resolve(ctx context.Context, job int64) error {
	result := s.db.WithContext(ctx).Model(&JobError{}).
		Where("job = ? AND moderated = false", job).
		Update("moderated", true)
	if result.Error != nil {
		return fmt.Errorf("failed to resolve job error: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.Conflict("job error for job %d is absent or already resolved", job)
	}
	return nil
}
