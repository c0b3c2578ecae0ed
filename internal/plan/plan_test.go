package plan

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/taskmgr818/credit-ledger/internal/apperr"
	"github.com/taskmgr818/credit-ledger/internal/dbtest"
	"github.com/taskmgr818/credit-ledger/internal/model"
)

const catalogYAML = `
plans:
  - id: starter
    name: Starter
    monthly_credits: 500
    monthly_price: 2900
    yearly_price: 29000
  - id: studio
    name: Studio
    monthly_credits: 2000
    monthly_price: 9900
    yearly_price: 99000
    active: false
`

func TestParseCatalog(t *testing.T) {
	plans, err := ParseCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)
	require.Len(t, plans, 2)

	assert.Equal(t, "starter", plans[0].ID)
	assert.Equal(t, int64(500), plans[0].MonthlyCredits)
	assert.True(t, plans[0].Active)
	assert.False(t, plans[1].Active)
}

func TestParseCatalogRejects(t *testing.T) {
	cases := map[string]string{
		"duplicate":     "plans:\n  - {id: a, name: A, monthly_credits: 1}\n  - {id: a, name: A, monthly_credits: 1}\n",
		"zero credits":  "plans:\n  - {id: a, name: A, monthly_credits: 0}\n",
		"unknown field": "plans:\n  - {id: a, name: A, monthly_credits: 1, colour: red}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCatalog(strings.NewReader(doc))
			require.Error(t, err)
			assert.True(t, apperr.Validation.Has(err))
		})
	}
}

func TestCredits(t *testing.T) {
	p := Plan{MonthlyCredits: 500}
	assert.Equal(t, int64(500), p.Credits(model.CycleMonthly))
	assert.Equal(t, int64(6000), p.Credits(model.CycleYearly))
}

func TestStoreCreateConflict(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t, &Plan{}))

	require.NoError(t, s.Create(ctx, &Plan{ID: "starter", Name: "Starter", MonthlyCredits: 500}))

	err := s.Create(ctx, &Plan{ID: "starter", Name: "Other", MonthlyCredits: 1})
	require.Error(t, err)
	assert.True(t, apperr.Conflict.Has(err))

	got, err := s.Get(ctx, "starter")
	require.NoError(t, err)
	assert.Equal(t, "Starter", got.Name)

	_, err = s.Get(ctx, "missing")
	assert.True(t, apperr.NotFound.Has(err))
}

func TestStoreSeedUpserts(t *testing.T) {
	ctx := context.Background()
	s := NewStore(dbtest.Open(t, &Plan{}))

	plans, err := ParseCatalog(strings.NewReader(catalogYAML))
	require.NoError(t, err)

	n, err := s.Seed(ctx, plans)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	plans[0].MonthlyCredits = 750
	_, err = s.Seed(ctx, plans)
	require.NoError(t, err)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, int64(750), all[0].MonthlyCredits)
}
