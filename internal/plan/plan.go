// Package plan holds the subscription plan catalog.
package plan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/model"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Plan is a subscription offering. Prices are in cents.
type Plan struct {
	ID             string    `json:"id" gorm:"primaryKey;size:64"`
	Name           string    `json:"name"`
	MonthlyCredits int64     `json:"monthly_credits"`
	MonthlyPrice   int64     `json:"monthly_price"`
	YearlyPrice    int64     `json:"yearly_price"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
}

// Credits is the grant for one renewal of cycle.
func (p *Plan) Credits(cycle model.BillingCycle) int64 {
	return p.MonthlyCredits * cycle.CreditMultiplier()
}

// Validate checks the fields a plan cannot work without.
func (p *Plan) Validate() error {
	switch {
	case strings.TrimSpace(p.ID) == "":
		return apperr.Validation.New("plan id is required")
	case strings.TrimSpace(p.Name) == "":
		return apperr.Validation.New("plan %q: name is required", p.ID)
	case p.MonthlyCredits <= 0:
		return apperr.Validation.New("plan %q: monthly_credits must be positive", p.ID)
	case p.MonthlyPrice < 0 || p.YearlyPrice < 0:
		return apperr.Validation.New("plan %q: prices must not be negative", p.ID)
	}
	return nil
}

// ─────────────────────────────────────────────
// YAML catalog
// ─────────────────────────────────────────────

type catalogEntry struct {
	ID             string `yaml:"id"`
	Name           string `yaml:"name"`
	MonthlyCredits int64  `yaml:"monthly_credits"`
	MonthlyPrice   int64  `yaml:"monthly_price"`
	YearlyPrice    int64  `yaml:"yearly_price"`
	Active         *bool  `yaml:"active"`
}

// ParseCatalog decodes a YAML catalog. Plans default to active unless the
// document says otherwise.
func ParseCatalog(r io.Reader) ([]Plan, error) {
	var raw struct {
		Plans []catalogEntry `yaml:"plans"`
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, apperr.Validation.Wrap(err)
	}

	seen := make(map[string]bool, len(raw.Plans))
	plans := make([]Plan, 0, len(raw.Plans))
	for _, item := range raw.Plans {
		p := Plan{
			ID:             item.ID,
			Name:           item.Name,
			MonthlyCredits: item.MonthlyCredits,
			MonthlyPrice:   item.MonthlyPrice,
			YearlyPrice:    item.YearlyPrice,
			Active:         item.Active == nil || *item.Active,
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, apperr.Validation.New("plan %q declared twice", p.ID)
		}
		seen[p.ID] = true
		plans = append(plans, p)
	}
	return plans, nil
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) ([]Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open plan catalog: %w", err)
	}
	defer f.Close()
	return ParseCatalog(f)
}

// ─────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────

// Store persists plans.
type Store struct {
	db *gorm.DB
}

// NewStore creates a plan store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new plan. A duplicate id is a Conflict.
func (s *Store) Create(ctx context.Context, p *Plan) error {
	if err := p.Validate(); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&Plan{}).Where("id = ?", p.ID).Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return apperr.Conflict.New("plan %q already exists", p.ID)
		}
		return tx.Create(p).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return apperr.Conflict.New("plan %q already exists", p.ID)
	}
	return err
}

// Get returns the plan with id.
func (s *Store) Get(ctx context.Context, id string) (*Plan, error) {
	var p Plan
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound.New("plan %q", id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns all plans ordered by id.
func (s *Store) List(ctx context.Context) ([]Plan, error) {
	var plans []Plan
	if err := s.db.WithContext(ctx).Order("id").Find(&plans).Error; err != nil {
		return nil, err
	}
	return plans, nil
}

// Seed upserts plans from a catalog and returns how many were written.
// Catalog values win over what is stored.
func (s *Store) Seed(ctx context.Context, plans []Plan) (int, error) {
	if len(plans) == 0 {
		return 0, nil
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "monthly_credits", "monthly_price", "yearly_price", "active"}),
	}).Create(&plans).Error
	if err != nil {
		return 0, err
	}
	return len(plans), nil
}
