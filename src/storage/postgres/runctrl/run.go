package runctrl

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"geobatch/src/core/fault"
	"geobatch/src/storage/postgres/jobctrl"
)

// GithubRef ties a run to the commit and check-run it reports against.
// Closed guards against posting a duplicate check conclusion.
type GithubRef struct {
	Owner  string `json:"owner"`
	Repo   string `json:"repo"`
	SHA    string `json:"sha"`
	Check  int64  `json:"check"`
	Issue  int    `json:"issue,omitempty"`
	Closed bool   `json:"closed"`
}

func (g GithubRef) Value() (driver.Value, error) {
	return json.Marshal(g)
}

func (g *GithubRef) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported github ref source type %T", value)
	}

	return json.Unmarshal(data, g)
}

// Run is a batch of jobs created together. Its aggregate status is always
// derived from its jobs and never stored.
type Run struct {
	ID      int64      `gorm:"primaryKey" json:"id"`
	Live    bool       `gorm:"not null;default:false" json:"live"`
	Created time.Time  `gorm:"autoCreateTime" json:"created"`
	Github  *GithubRef `gorm:"type:jsonb" json:"github,omitempty"`
	Closed  bool       `gorm:"not null;default:false" json:"closed"`
}

func (Run) TableName() string {
	return "runs"
}

type RunService struct {
	db *gorm.DB
}

func NewRunService(db *gorm.DB) *RunService {
	return &RunService{db: db}
}

func (s *RunService) Generate(ctx context.Context, live bool, github *GithubRef) (*Run, error) {
	run := &Run{
		Live:   live,
		Github: github,
	}

	result := s.db.WithContext(ctx).Create(run)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create run: %w", result.Error)
	}

	return run, nil
}

func (s *RunService) FromID(ctx context.Context, id int64) (*Run, error) {
	var run Run
	result := s.db.WithContext(ctx).First(&run, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("no run by id %d", id)
		}
		return nil, fmt.Errorf("failed to fetch run: %w", result.Error)
	}
	return &run, nil
}

// FromSHA resolves the run a CI event created for a given commit.
func (s *RunService) FromSHA(ctx context.Context, sha string) (*Run, error) {
	var run Run
	result := s.db.WithContext(ctx).Where("github->>'sha' = ?", sha).First(&run)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("no run by sha %s", sha)
		}
		return nil, fmt.Errorf("failed to fetch run by sha: %w", result.Error)
	}
	return &run, nil
}

// Commit persists the mutable run fields. The closed flag only ever moves
// from false to true.
func (s *RunService) Commit(ctx context.Context, run *Run) error {
	result := s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", run.ID).Updates(map[string]interface{}{
		"live":   run.Live,
		"github": run.Github,
		"closed": run.Closed,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to save run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.NotFound("no run by id %d", run.ID)
	}
	return nil
}

// Close marks a run closed as a single atomic update. It is the
// concurrency gate for population.
func (s *RunService) Close(ctx context.Context, id int64) error {
	result := s.db.WithContext(ctx).Model(&Run{}).Where("id = ?", id).Update("closed", true)
	if result.Error != nil {
		return fmt.Errorf("failed to close run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.NotFound("no run by id %d", id)
	}
	return nil
}

// ListQuery filters the run listing. Status filters on the derived
// aggregate status, so it applies after the fold rather than in SQL.
type ListQuery struct {
	Limit  int
	Run    int64
	Status []jobctrl.Status
	Before time.Time
	After  time.Time
}

// ListItem is a run with its derived aggregate status and job count.
type ListItem struct {
	Run
	Status jobctrl.Status `json:"status"`
	Jobs   int            `json:"jobs"`
}

type runJobRow struct {
	Run
	JobStatus *jobctrl.Status
}

// List returns runs, newest first, each with the aggregate status derived
// from its jobs at read time.
func (s *RunService) List(ctx context.Context, query ListQuery) ([]ListItem, error) {
	if query.Limit == 0 {
		query.Limit = 100
	}

	tx := s.db.WithContext(ctx).Table("runs").
		Select("runs.*, job.status AS job_status").
		Joins("LEFT JOIN job ON job.run = runs.id")
	if query.Run != 0 {
		tx = tx.Where("runs.id = ?", query.Run)
	}
	if !query.After.IsZero() {
		tx = tx.Where("runs.created > ?", query.After)
	}
	if !query.Before.IsZero() {
		tx = tx.Where("runs.created < ?", query.Before)
	}

	var rows []runJobRow
	if err := tx.Order("runs.id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to fetch runs: %w", err)
	}

	return foldRuns(rows, query), nil
}

// foldRuns collapses the joined run/job rows into list items with the
// derived aggregate status, then applies the status filter and limit.
func foldRuns(rows []runJobRow, query ListQuery) []ListItem {
	var items []ListItem
	statuses := map[int64][]jobctrl.Status{}
	for _, row := range rows {
		if _, seen := statuses[row.ID]; !seen {
			items = append(items, ListItem{Run: row.Run})
		}
		if row.JobStatus != nil {
			statuses[row.ID] = append(statuses[row.ID], *row.JobStatus)
		} else if _, seen := statuses[row.ID]; !seen {
			statuses[row.ID] = nil
		}
	}

	for i := range items {
		s := statuses[items[i].ID]
		items[i].Status = Aggregate(s)
		items[i].Jobs = len(s)
	}

	if len(query.Status) > 0 {
		filtered := items[:0]
		for _, item := range items {
			for _, s := range query.Status {
				if item.Status == s {
					filtered = append(filtered, item)
					break
				}
			}
		}
		items = filtered
	}

	if len(items) > query.Limit {
		items = items[:query.Limit]
	}

	return items
}

// Aggregate derives a run's status from its job statuses: Fail beats
// everything, any non-terminal job keeps the run Pending, and an empty or
// otherwise terminal set is Success. Never persisted.
func Aggregate(statuses []jobctrl.Status) jobctrl.Status {
	pending := false
	for _, s := range statuses {
		switch s {
		case jobctrl.StatusFail:
			return jobctrl.StatusFail
		case jobctrl.StatusPending, jobctrl.StatusRunning:
			pending = true
		}
	}
	if pending {
		return jobctrl.StatusPending
	}
	return jobctrl.StatusSuccess
}

// Stats is a count-by-status breakdown for one run.
type Stats struct {
	Run    int64                    `json:"run"`
	Status map[jobctrl.Status]int64 `json:"status"`
}

func (s *RunService) Stats(ctx context.Context, id int64) (*Stats, error) {
	var rows []struct {
		Status jobctrl.Status
		Count  int64
	}
	result := s.db.WithContext(ctx).Table("job").
		Select("status, count(*) AS count").
		Where("run = ?", id).
		Group("status").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch run stats: %w", result.Error)
	}
	if len(rows) == 0 {
		return nil, fault.NotFound("no jobs for run %d", id)
	}

	stats := &Stats{
		Run: id,
		Status: map[jobctrl.Status]int64{
			jobctrl.StatusPending: 0,
			jobctrl.StatusRunning: 0,
			jobctrl.StatusSuccess: 0,
			jobctrl.StatusFail:    0,
			jobctrl.StatusWarn:    0,
		},
	}
	for _, row := range rows {
		stats.Status[row.Status] = row.Count
	}

	return stats, nil
}
