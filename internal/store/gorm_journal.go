package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fantalega/trade-engine/internal/model"
)

// settlementRecord is the GORM row behind a journaled settlement.
type settlementRecord struct {
	ID         string         `gorm:"primaryKey;type:text"`
	ProposalID string         `gorm:"type:text;not null;index"`
	Direction  string         `gorm:"type:varchar(16);not null"`
	Status     string         `gorm:"type:varchar(16);not null;index:idx_settlements_status_updated,priority:1"`
	Steps      datatypes.JSON `gorm:"not null"`
	Error      string         `gorm:"type:text"`
	CreatedAt  time.Time
	UpdatedAt  time.Time `gorm:"index:idx_settlements_status_updated,priority:2"`
}

func (settlementRecord) TableName() string { return "settlements" }

// GormJournal keeps the settlement journal in its own SQLite file, apart
// from the catalog database. The journal then survives an outage of the
// database whose writes it is tracking.
type GormJournal struct {
	db *gorm.DB
}

// OpenGormJournal opens (creating if needed) a SQLite journal at path.
// ":memory:" gives a private in-memory journal.
func OpenGormJournal(path string) (*GormJournal, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: open journal %s: %w", path, err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// SQLite serializes writers; one connection keeps ":memory:" shared.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&settlementRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate journal: %w", err)
	}
	return &GormJournal{db: db}, nil
}

// Close releases the underlying database handle.
func (j *GormJournal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (j *GormJournal) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	if st.ID == "" || st.ProposalID == "" {
		return ErrMissingField
	}
	steps, err := json.Marshal(st.Steps)
	if err != nil {
		return err
	}
	var existing int64
	if err := j.db.WithContext(ctx).Model(&settlementRecord{}).Where("id = ?", st.ID).Count(&existing).Error; err != nil {
		return err
	}
	if existing > 0 {
		return fmt.Errorf("settlement %s: %w", st.ID, ErrAlreadyExists)
	}
	return j.db.WithContext(ctx).Create(&settlementRecord{
		ID:         st.ID,
		ProposalID: st.ProposalID,
		Direction:  string(st.Direction),
		Status:     string(st.Status),
		Steps:      datatypes.JSON(steps),
		Error:      st.Error,
		CreatedAt:  st.CreatedAt,
		UpdatedAt:  st.UpdatedAt,
	}).Error
}

func (j *GormJournal) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	var rec settlementRecord
	err := j.db.WithContext(ctx).Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("settlement %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return rec.toModel()
}

func (j *GormJournal) UpdateSettlementStep(ctx context.Context, id string, seq int, status model.StepStatus, errMsg string) error {
	return j.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec settlementRecord
		err := tx.Where("id = ?", id).Take(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("settlement %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		var steps []model.SettlementStep
		if err := json.Unmarshal(rec.Steps, &steps); err != nil {
			return fmt.Errorf("decode steps of settlement %s: %w", id, err)
		}
		if !setStep(steps, seq, status, errMsg) {
			return fmt.Errorf("settlement %s step %d: %w", id, seq, ErrNotFound)
		}
		data, err := json.Marshal(steps)
		if err != nil {
			return err
		}
		return tx.Model(&settlementRecord{}).Where("id = ?", id).Updates(map[string]any{
			"steps":      datatypes.JSON(data),
			"updated_at": time.Now().UTC(),
		}).Error
	})
}

func (j *GormJournal) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, errMsg string) error {
	res := j.db.WithContext(ctx).Model(&settlementRecord{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(status),
		"error":      errMsg,
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("settlement %s: %w", id, ErrNotFound)
	}
	return nil
}

func (j *GormJournal) ListSettlements(ctx context.Context, statuses []model.SettlementStatus, before time.Time, limit int) ([]model.Settlement, error) {
	q := j.db.WithContext(ctx).Model(&settlementRecord{})
	if len(statuses) > 0 {
		want := make([]string, len(statuses))
		for i, st := range statuses {
			want[i] = string(st)
		}
		q = q.Where("status IN ?", want)
	}
	if !before.IsZero() {
		q = q.Where("updated_at < ?", before)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var recs []settlementRecord
	if err := q.Order("updated_at ASC").Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Settlement, 0, len(recs))
	for _, rec := range recs {
		st, err := rec.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

func (r settlementRecord) toModel() (*model.Settlement, error) {
	st := &model.Settlement{
		ID:         r.ID,
		ProposalID: r.ProposalID,
		Direction:  model.Direction(r.Direction),
		Status:     model.SettlementStatus(r.Status),
		Error:      r.Error,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	if err := json.Unmarshal(r.Steps, &st.Steps); err != nil {
		return nil, fmt.Errorf("decode steps of settlement %s: %w", r.ID, err)
	}
	return st, nil
}

// journaled routes the Journal methods of a Store to a separate Journal.
type journaled struct {
	Store
	journal Journal
}

// WithJournal returns base with its settlement journal replaced by j.
func WithJournal(base Store, j Journal) Store {
	return &journaled{Store: base, journal: j}
}

func (s *journaled) CreateSettlement(ctx context.Context, st *model.Settlement) error {
	return s.journal.CreateSettlement(ctx, st)
}

func (s *journaled) GetSettlement(ctx context.Context, id string) (*model.Settlement, error) {
	return s.journal.GetSettlement(ctx, id)
}

func (s *journaled) UpdateSettlementStep(ctx context.Context, id string, seq int, status model.StepStatus, errMsg string) error {
	return s.journal.UpdateSettlementStep(ctx, id, seq, status, errMsg)
}

func (s *journaled) UpdateSettlementStatus(ctx context.Context, id string, status model.SettlementStatus, errMsg string) error {
	return s.journal.UpdateSettlementStatus(ctx, id, status, errMsg)
}

func (s *journaled) ListSettlements(ctx context.Context, statuses []model.SettlementStatus, before time.Time, limit int) ([]model.Settlement, error) {
	return s.journal.ListSettlements(ctx, statuses, before, limit)
}
