package datactrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"geobatch/src/core/fault"
	"geobatch/src/storage/postgres/jobctrl"
)

// Data is the canonical published dataset entry for one
// source/layer/name key. Exactly one row exists per key; publishing a new
// successful live job replaces the previous row's payload.
type Data struct {
	ID         int64     `gorm:"primaryKey" json:"id"`
	SourceName string    `gorm:"not null;column:source_name;uniqueIndex:idx_data_key" json:"source_name"`
	Layer      string    `gorm:"not null;uniqueIndex:idx_data_key" json:"layer"`
	Name       string    `gorm:"not null;uniqueIndex:idx_data_key" json:"name"`
	JobID      int64     `gorm:"not null;column:job_id" json:"job"`
	Output     string    `json:"output"`
	Size       *int64    `json:"size"`
	Count      *int64    `json:"count"`
	Updated    time.Time `gorm:"autoUpdateTime" json:"updated"`
}

func (Data) TableName() string {
	return "data"
}

type DataService struct {
	db *gorm.DB
}

func NewDataService(db *gorm.DB) *DataService {
	return &DataService{db: db}
}

// Update publishes a successful live job as the canonical entry for its
// key. The upsert is idempotent: replaying the same job is a no-op beyond
// refreshing the timestamp.
func (s *DataService) Update(ctx context.Context, job *jobctrl.Job) error {
	entry := &Data{
		SourceName: job.SourceName,
		Layer:      job.Layer,
		Name:       job.Name,
		JobID:      job.ID,
		Output:     job.Output,
		Size:       job.Size,
		Count:      job.Count,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "source_name"}, {Name: "layer"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"job_id", "output", "size", "count", "updated",
		}),
	}).Create(entry)
	if result.Error != nil {
		return fmt.Errorf("failed to publish data entry: %w", result.Error)
	}

	return nil
}

func (s *DataService) FromID(ctx context.Context, id int64) (*Data, error) {
	var data Data
	result := s.db.WithContext(ctx).First(&data, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("no data by id %d", id)
		}
		return nil, fmt.Errorf("failed to fetch data: %w", result.Error)
	}
	return &data, nil
}

// ListQuery filters the data listing by source name substring.
type ListQuery struct {
	Source string
	Layer  string
}

func (s *DataService) List(ctx context.Context, query ListQuery) ([]Data, error) {
	tx := s.db.WithContext(ctx)
	if query.Source != "" {
		tx = tx.Where("source_name ILIKE ?", "%"+query.Source+"%")
	}
	if query.Layer != "" {
		tx = tx.Where("layer = ?", query.Layer)
	}

	var data []Data
	result := tx.Order("source_name, layer, name").Find(&data)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch data: %w", result.Error)
	}
	return data, nil
}

// History returns every job ever recorded for a data entry's key, newest
// first.
func (s *DataService) History(ctx context.Context, id int64) ([]jobctrl.Job, error) {
	data, err := s.FromID(ctx, id)
	if err != nil {
		return nil, err
	}

	var jobs []jobctrl.Job
	result := s.db.WithContext(ctx).
		Where("source_name = ? AND layer = ? AND name = ?", data.SourceName, data.Layer, data.Name).
		Order("created DESC").
		Find(&jobs)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch data history: %w", result.Error)
	}
	return jobs, nil
}
