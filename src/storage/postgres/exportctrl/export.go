package exportctrl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"geobatch/src/core/fault"
	"geobatch/src/storage/postgres/jobctrl"
)

// Formats an export can be produced in.
var Formats = map[string]struct{}{
	"csv":       {},
	"geojson":   {},
	"shapefile": {},
}

// Export is a user-initiated, quota-limited export of one successful job.
type Export struct {
	ID      int64          `gorm:"primaryKey" json:"id"`
	UID     int64          `gorm:"not null;index;column:uid" json:"uid"`
	JobID   int64          `gorm:"not null;column:job_id" json:"job_id"`
	Format  string         `gorm:"not null" json:"format"`
	Created time.Time      `gorm:"autoCreateTime" json:"created"`
	Expiry  *time.Time     `json:"expiry"`
	Size    *int64         `json:"size"`
	Status  jobctrl.Status `gorm:"not null;default:'Pending'" json:"status"`
	Loglink string         `json:"loglink"`
}

func (Export) TableName() string {
	return "exports"
}

var patchable = map[string]struct{}{
	"status":  {},
	"loglink": {},
	"size":    {},
}

// Patch applies an allow-listed sparse field set in memory; persist with
// Commit.
func (e *Export) Patch(patch map[string]interface{}) error {
	for key, value := range patch {
		if _, ok := patchable[key]; !ok {
			return fault.Validation("field %q is not patchable", key)
		}

		switch key {
		case "status":
			s, ok := value.(string)
			if !ok || !jobctrl.Status(s).Valid() {
				return fault.Validation("invalid status %v", value)
			}
			if e.Status.Terminal() && jobctrl.Status(s) != e.Status {
				return fault.Conflict("export is already %s", e.Status)
			}
			e.Status = jobctrl.Status(s)
		case "loglink":
			s, ok := value.(string)
			if !ok {
				return fault.Validation("loglink must be a string")
			}
			e.Loglink = s
		case "size":
			n, ok := value.(float64)
			if !ok {
				return fault.Validation("size must be a number")
			}
			size := int64(n)
			e.Size = &size
		}
	}
	return nil
}

type ExportService struct {
	db *gorm.DB
}

func NewExportService(db *gorm.DB) *ExportService {
	return &ExportService{db: db}
}

func (s *ExportService) Generate(ctx context.Context, uid, jobID int64, format string) (*Export, error) {
	if uid == 0 || jobID == 0 {
		return nil, fault.Validation("export requires uid and job_id")
	}
	if _, ok := Formats[format]; !ok {
		return nil, fault.Validation("unsupported export format %q", format)
	}

	export := &Export{
		UID:    uid,
		JobID:  jobID,
		Format: format,
		Status: jobctrl.StatusPending,
	}

	result := s.db.WithContext(ctx).Create(export)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to create export: %w", result.Error)
	}

	return export, nil
}

func (s *ExportService) FromID(ctx context.Context, id int64) (*Export, error) {
	var export Export
	result := s.db.WithContext(ctx).First(&export, id)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, fault.NotFound("no export by id %d", id)
		}
		return nil, fmt.Errorf("failed to fetch export: %w", result.Error)
	}
	return &export, nil
}

// CountMonth counts exports a user created since the start of the current
// UTC calendar month, for quota enforcement.
func (s *ExportService) CountMonth(ctx context.Context, uid int64) (int64, error) {
	var count int64
	result := s.db.WithContext(ctx).Model(&Export{}).
		Where("uid = ? AND created >= date_trunc('month', now() AT TIME ZONE 'utc')", uid).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to count exports: %w", result.Error)
	}
	return count, nil
}

// ListQuery filters the export listing. UID zero means all users.
type ListQuery struct {
	Limit int
	Page  int
	UID   int64
}

func (s *ExportService) List(ctx context.Context, query ListQuery) ([]Export, error) {
	if query.Limit == 0 {
		query.Limit = 100
	}

	tx := s.db.WithContext(ctx)
	if query.UID != 0 {
		tx = tx.Where("uid = ?", query.UID)
	}

	var exports []Export
	result := tx.Order("created DESC").Limit(query.Limit).Offset(query.Page * query.Limit).Find(&exports)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to fetch exports: %w", result.Error)
	}
	return exports, nil
}

func (s *ExportService) Commit(ctx context.Context, export *Export) error {
	result := s.db.WithContext(ctx).Model(&Export{}).Where("id = ?", export.ID).Updates(map[string]interface{}{
		"status":  export.Status,
		"loglink": export.Loglink,
		"size":    export.Size,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to save export: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fault.NotFound("no export by id %d", export.ID)
	}
	return nil
}
