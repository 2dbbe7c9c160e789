package jobctrl

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"gorm.io/gorm"

	"geobatch/src/core/fault"
	"geobatch/src/storage/postgres/jsonb"
)

// Status is the lifecycle state of a job or export. Pending and Running
// are non-terminal; Success, Fail and Warn are terminal.
type Status string

const (
	StatusPending Status = "Pending"
	StatusRunning Status = "Running"
	StatusSuccess Status = "Success"
	StatusFail    Status = "Fail"
	StatusWarn    Status = "Warn"
)

// Terminal reports whether no further transition is expected. A rerun
// never mutates a terminal job; it creates a new one in a new run.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFail || s == StatusWarn
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFail, StatusWarn:
		return true
	}
	return false
}

// Statuses lists every valid status, for query filters.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusSuccess, StatusFail, StatusWarn}
}

// Job is one source/layer/name processing unit submitted to external
// batch compute. Rows are never deleted; they are the audit trail.
type Job struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	Run        int64     `gorm:"not null;index" json:"run"`
	Created    time.Time `gorm:"autoCreateTime" json:"created"`
	Source     string    `gorm:"not null" json:"source"`
	SourceName string    `gorm:"not null;column:source_name" json:"source_name"`
	Layer      string    `gorm:"not null" json:"layer"`
	Name       string    `gorm:"not null" json:"name"`
	Status     Status    `gorm:"not null;default:'Pending'" json:"status"`
	Output     string    `json:"output"`
	Loglink    string    `json:"loglink"`
	Stats      jsonb.Map `gorm:"type:jsonb" json:"stats"`
	Count      *int64    `json:"count"`
	Bounds     jsonb.Map `gorm:"type:jsonb" json:"bounds"`
	Version    string    `json:"version"`
	Size       *int64    `json:"size"`
}

func (Job) TableName() string {
	return "job"
}

// Spec identifies one unit of work before it becomes a Job row.
type Spec struct {
	Source string `json:"source"`
	Layer  string `json:"layer"`
	Name   string `json:"name"`
}

// SourceName derives the short name of a source manifest from its URI,
// e.g. ".../sources/us/ca/alameda.json" -> "us/ca/alameda".
func SourceName(source string) string {
	name := strings.TrimSuffix(source, path.Ext(source))
	if idx := strings.Index(name, "/sources/"); idx >= 0 {
		name = name[idx+len("/sources/"):]
	} else {
		name = path.Base(name)
	}
	return name
}

// patchable is the static allow-list of externally mutable fields. The
// batch callback may set nothing outside this set.
var patchable = map[string]struct{}{
	"status":  {},
	"output":  {},
	"loglink": {},
	"stats":   {},
	"count":   {},
	"bounds":  {},
	"version": {},
	"size":    {},
}

// Patch applies an allow-listed sparse field set to the job in memory.
// Unknown fields are rejected rather than ignored so a misspelled callback
// payload fails loudly, and a terminal status never transitions again;
// a rerun creates a new job instead. Nothing is persisted until Commit.
func (j *Job) Patch(patch map[string]interface{}) error {
	for key, value := range patch {
		if _, ok := patchable[key]; !ok {
			return fault.Validation("field %q is not patchable", key)
		}

		switch key {
		case "status":
			s, ok := value.(string)
			if !ok || !Status(s).Valid() {
				return fault.Validation("invalid status %v", value)
			}
			if j.Status.Terminal() && Status(s) != j.Status {
				return fault.Conflict("job is already %s", j.Status)
			}
			j.Status = Status(s)
		case "output":
			s, ok := value.(string)
			if !ok {
				return fault.Validation("output must be a string")
			}
			j.Output = s
		case "loglink":
			s, ok := value.(string)
			if !ok {
				return fault.Validation("loglink must be a string")
			}
			j.Loglink = s
		case "version":
			s, ok := value.(string)
			if !ok {
				return fault.Validation("version must be a string")
			}
			j.Version = s
		case "stats":
			m, ok := value.(map[string]interface{})
			if !ok {
				return fault.Validation("stats must be an object")
			}
			j.Stats = jsonb.Map(m)
		case "bounds":
			m, ok := value.(map[string]interface{})
			if !ok {
				return fault.Validation("bounds must be a GeoJSON object")
			}
			j.Bounds = jsonb.Map(m)
		case "count":
			n, ok := asInt64(value)
			if !ok {
				return fault.Validation("count must be a number")
			}
			j.Count = &n
		case "size":
			n, ok := asInt64(value)
			if !ok {
				return fault.Validation("size must be a number")
			}
			j.Size = &n
		}
	}
	return nil
}

func asInt64(value interface{}) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}

type JobService struct {
	db *gorm.DB
}

func NewJobService(db *gorm.DB) *JobService {
	return &JobService{db: db}
}

// Generate inserts a new Pending job for the given run.
func (s *JobService) Generate(ctx context.Context, run int64, spec Spec) (*Job, error) {
	if run == 0 || spec.Source == "" || spec.Layer == "" || spec.Name == "" {
		return nil, fault.Validation("job requires run, source, layer and name")
	}

	job := &Job{
		Run:        run,
		Source:     spec.Source,
		SourceName: SourceName(spec.Source),
		Layer:      spec.Layer,
		Name:       spec.Name,
		Status:     StatusPending,
	}

	result := s.db.WithContext(ctx).Create(job)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create job: %w", result.Error)
	}

	return job, nil
}

func (s *JobService) FromID(ctx context.Context, id int64) (*Job, error) {
	var job Job
	result := s.db.WithContext(ctx).First(&job, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("no job by id %d", id)
		}
		return nil, fmt.Errorf("failed to fetch job: %w", result.Error)
	}
	return &job, nil
}

// ListByRun returns every job attached to a run, oldest first. No caching;
// the result must reflect the latest commits.
func (s *JobService) ListByRun(ctx context.Context, run int64) ([]Job, error) {
	var jobs []Job
	result := s.db.WithContext(ctx).Where("run = ?", run).Order("id").Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch run jobs: %w", result.Error)
	}
	return jobs, nil
}

// ListQuery filters the job listing.
type ListQuery struct {
	Limit  int
	Status []Status
	Source string
}

func (s *JobService) List(ctx context.Context, query ListQuery) ([]Job, error) {
	if query.Limit == 0 {
		query.Limit = 100
	}
	if len(query.Status) == 0 {
		query.Status = Statuses()
	}

	tx := s.db.WithContext(ctx).Where("status IN ?", query.Status)
	if query.Source != "" {
		tx = tx.Where("source_name ILIKE ?", "%"+query.Source+"%")
	}

	var jobs []Job
	result := tx.Order("id DESC").Limit(query.Limit).Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch jobs: %w", result.Error)
	}
	return jobs, nil
}

// Commit persists a previously patched job.
func (s *JobService) Commit(ctx context.Context, job *Job) error {
	result := s.db.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]interface{}{
		"status":  job.Status,
		"output":  job.Output,
		"loglink": job.Loglink,
		"stats":   job.Stats,
		"count":   job.Count,
		"bounds":  job.Bounds,
		"version": job.Version,
		"size":    job.Size,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to save job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.NotFound("no job by id %d", job.ID)
	}
	return nil
}

// Delta compares a job's metrics against the currently published live job
// for the same source/layer/name.
type Delta struct {
	Job     int64                  `json:"job"`
	Master  int64                  `json:"master"`
	Count   int64                  `json:"count"`
	Stats   map[string]interface{} `json:"stats"`
	Bounds  bool                   `json:"bounds_changed"`
	Message string                 `json:"message,omitempty"`
}

func (s *JobService) Delta(ctx context.Context, id int64) (*Delta, error) {
	job, err := s.FromID(ctx, id)
	if err != nil {
		return nil, err
	}

	var masterID int64
	result := s.db.WithContext(ctx).Table("data").
		Select("job_id").
		Where("source_name = ? AND layer = ? AND name = ?", job.SourceName, job.Layer, job.Name).
		Scan(&masterID)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch live data entry: %w", result.Error)
	}
	if masterID == 0 {
		return nil, fault.NotFound("no live data to compare against for %s/%s/%s", job.SourceName, job.Layer, job.Name)
	}

	master, err := s.FromID(ctx, masterID)
	if err != nil {
		return nil, err
	}

	delta := &Delta{
		Job:    job.ID,
		Master: master.ID,
		Stats:  DiffStats(master.Stats, job.Stats),
		Bounds: !equalJSON(master.Bounds, job.Bounds),
	}
	if job.Count != nil && master.Count != nil {
		delta.Count = *job.Count - *master.Count
	}

	return delta, nil
}

// DiffStats computes the numeric difference between two stats objects,
// recursing into nested maps. Keys missing on either side diff against
// zero.
func DiffStats(old, current map[string]interface{}) map[string]interface{} {
	diff := map[string]interface{}{}

	for key, cur := range current {
		switch c := cur.(type) {
		case float64:
			o, _ := old[key].(float64)
			diff[key] = c - o
		case map[string]interface{}:
			o, _ := old[key].(map[string]interface{})
			diff[key] = DiffStats(o, c)
		}
	}

	for key, o := range old {
		if _, seen := current[key]; seen {
			continue
		}
		switch v := o.(type) {
		case float64:
			diff[key] = -v
		case map[string]interface{}:
			diff[key] = DiffStats(v, map[string]interface{}{})
		}
	}

	return diff
}

func equalJSON(a, b jsonb.Map) bool {
	return fmt.Sprintf("%v", map[string]interface{}(a)) == fmt.Sprintf("%v", map[string]interface{}(b))
}
