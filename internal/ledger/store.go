package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"
)

// recomputeBatch bounds how many entries are held in memory while walking a
// user's ledger backwards.
const recomputeBatch = 500

// Store persists ledger entries.
type Store struct {
	db *gorm.DB
}

// NewStore creates a ledger store on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Page selects a window of a user's ledger, newest first.
type Page struct {
	Limit    int
	BeforeID uint // 0 = start from the newest entry
}

// Size is the effective page size: Limit clamped to 1..200, 50 by default.
func (p Page) Size() int {
	if p.Limit <= 0 || p.Limit > 200 {
		return 50
	}
	return p.Limit
}

// RecomputeResult summarises a recomputation pass.
type RecomputeResult struct {
	UserID  string `json:"user_id"`
	Total   int64  `json:"total"`   // total the walk started from
	Entries int    `json:"entries"` // entries visited
	Updated int    `json:"updated"` // entries whose balance_after changed
	// Opening is the balance implied before the oldest entry. A negative
	// value means the history cannot be reconciled with the present total.
	Opening int64 `json:"opening"`
}

// Append inserts e using tx, which should be the caller's transaction.
// A nil tx falls back to the store's handle.
func (s *Store) Append(tx *gorm.DB, e *Entry) error {
	if tx == nil {
		tx = s.db
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return tx.Create(e).Error
}

// List returns a page of the user's entries, newest first.
func (s *Store) List(ctx context.Context, userID string, page Page) ([]Entry, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if page.BeforeID > 0 {
		q = q.Where("id < ?", page.BeforeID)
	}

	var entries []Entry
	if err := q.Order("id DESC").Limit(page.Size()).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of entries recorded for userID.
func (s *Store) Count(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&Entry{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

// HasReference reports whether an entry of the given kind and source already
// references ref. Used as an idempotency check inside mutation transactions.
func (s *Store) HasReference(tx *gorm.DB, userID string, kind Kind, source Source, ref string) (bool, error) {
	if tx == nil {
		tx = s.db
	}
	var n int64
	err := tx.Model(&Entry{}).
		Where("user_id = ? AND kind = ? AND source = ? AND reference_id = ?", userID, kind, source, ref).
		Count(&n).Error
	return n > 0, err
}

// RecomputeTx rewrites balance_after for every entry of userID so that the
// sequence ends at currentTotal.
//
// Only the present total is known for certain, so the walk goes newest to
// oldest: the newest entry gets currentTotal, and each older entry gets the
// running total minus the signed amount of the entry after it. Rows that
// already hold the right value are not written, which makes a second pass a
// no-op.
func (s *Store) RecomputeTx(tx *gorm.DB, userID string, currentTotal int64) (*RecomputeResult, error) {
	res := &RecomputeResult{UserID: userID, Total: currentTotal}
	running := currentTotal
	var cursor uint

	for {
		q := tx.Model(&Entry{}).
			Select("id", "kind", "amount", "balance_after").
			Where("user_id = ?", userID)
		if cursor > 0 {
			q = q.Where("id < ?", cursor)
		}

		var batch []Entry
		if err := q.Order("id DESC").Limit(recomputeBatch).Find(&batch).Error; err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for i := range batch {
			e := &batch[i]
			if e.BalanceAfter != running {
				if err := tx.Model(&Entry{}).Where("id = ?", e.ID).
					Update("balance_after", running).Error; err != nil {
					return nil, err
				}
				res.Updated++
			}
			res.Entries++
			running -= e.Signed()
			cursor = e.ID
		}

		if len(batch) < recomputeBatch {
			break
		}
	}

	res.Opening = running
	return res, nil
}
