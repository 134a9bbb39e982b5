package seed

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/govbudget/backend/internal/storage/models"
	"github.com/govbudget/backend/internal/storage/sqlite"
)

const fixtures = `
budget_records:
  - id: EDU-001
    portfolio: Education
    department: Department of Education
    program: Schools Support
    expense_type: administered expenses
    amounts:
      "2023-24": "30,000,000"
      "2024-25": "35000000.50"
  - id: DEF-001
    portfolio: Defence
    department: Department of Defence
    program: Navy Capability
    expense_type: Capital works
    amounts:
      "2024-25": "12000000"
business_records:
  - id: PROC-0001
    source: procurement_records
    record_type: contract
    title: Supplier Company 1
    description: Cleaning services contract.
    fields:
      - name: supplier
        value: Supplier Company 1
`

func TestParse(t *testing.T) {
	f, err := Parse([]byte(fixtures))
	require.NoError(t, err)

	require.Len(t, f.Budget, 2)
	edu := f.Budget[0]
	assert.Equal(t, models.ExpenseAdministered, edu.ExpenseType)
	assert.True(t, decimal.RequireFromString("30000000").Equal(edu.Amounts["2023-24"]))
	assert.True(t, decimal.RequireFromString("35000000.5").Equal(edu.Amounts["2024-25"]))
	assert.Equal(t, models.ExpenseOther, f.Budget[1].ExpenseType)

	require.Len(t, f.Business, 1)
	assert.Equal(t, models.SourceProcurement, f.Business[0].Source)
	assert.Equal(t, []models.Field{{Name: "supplier", Value: "Supplier Company 1"}}, f.Business[0].Fields)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown fiscal year": "budget_records:\n  - id: A\n    amounts:\n      \"1999-00\": \"1\"\n",
		"bad amount":          "budget_records:\n  - id: A\n    amounts:\n      \"2024-25\": \"lots\"\n",
		"duplicate id":        "budget_records:\n  - id: A\n  - id: A\n",
		"missing id":          "budget_records:\n  - portfolio: Defence\n",
		"unknown source":      "business_records:\n  - id: X\n    source: payroll\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestApply(t *testing.T) {
	db, err := sqlite.NewClient(filepath.Join(t.TempDir(), "seed.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	f, err := Parse([]byte(fixtures))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, f.Apply(ctx, db))
	require.NoError(t, f.Apply(ctx, db), "re-applying is idempotent")

	records, err := db.LoadBudgetRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "EDU-001", records[0].ID)
	_, ok := records[1].Amount("2023-24")
	assert.False(t, ok)

	business, err := db.ListBusinessRecords(ctx, models.SourceProcurement)
	require.NoError(t, err)
	require.Len(t, business, 1)
	assert.Equal(t, "Supplier Company 1", business[0].Title)
}
