// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package quota

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
	"github.com/binsage/binsage/internal/store"
)

func newTestLedger(t *testing.T, daily, monthly float64) (*BudgetLedger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	ledger := NewBudgetLedger(store.NewStructuredFromDB(db), []common.ProviderConfig{
		{ID: "openai", DailyBudgetUSD: daily, MonthlyBudgetUSD: monthly},
	})
	ledger.nowFunc = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return ledger, mock
}

func sumRows(daily, monthly float64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"daily", "monthly"}).AddRow(daily, monthly)
}

func TestReserveUnderBudget(t *testing.T) {
	ledger, mock := newTestLedger(t, 10.0, 100.0)
	mock.ExpectQuery("SELECT").
		WithArgs("owner-a", "openai", "2026-08-24", "2026-08%").
		WillReturnRows(sumRows(2.0, 40.0))

	err := ledger.Reserve(context.Background(), "owner-a", "openai", 1.0)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveDailyExhausted(t *testing.T) {
	ledger, mock := newTestLedger(t, 10.0, 100.0)
	mock.ExpectQuery("SELECT").
		WillReturnRows(sumRows(9.5, 9.5))

	err := ledger.Reserve(context.Background(), "owner-a", "openai", 1.0)
	assert.Equal(t, common.ECodeCostLimitExceeded, common.CodeOf(err))
}

func TestReserveMonthlyExhausted(t *testing.T) {
	ledger, mock := newTestLedger(t, 0, 100.0)
	mock.ExpectQuery("SELECT").
		WillReturnRows(sumRows(0.5, 99.8))

	err := ledger.Reserve(context.Background(), "owner-a", "openai", 0.5)
	assert.Equal(t, common.ECodeCostLimitExceeded, common.CodeOf(err))
}

func TestReserveNoCeilingSkipsQuery(t *testing.T) {
	ledger, mock := newTestLedger(t, 0, 0)

	err := ledger.Reserve(context.Background(), "owner-a", "openai", 999)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReserveUnknownProvider(t *testing.T) {
	ledger, _ := newTestLedger(t, 10, 0)

	err := ledger.Reserve(context.Background(), "owner-a", "nope", 1)
	assert.Equal(t, common.ECodeValidation, common.CodeOf(err))
}

func TestCommitUpserts(t *testing.T) {
	ledger, mock := newTestLedger(t, 10, 100)
	mock.ExpectExec("INSERT INTO usage").
		WithArgs("owner-a", "openai", "2026-08-24", "FunctionTranslation", int64(1200), 0.03).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := ledger.Commit(context.Background(), "owner-a", "openai",
		common.EOperationType.FunctionTranslation(), 1200, 0.03)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOverBudget(t *testing.T) {
	ledger, mock := newTestLedger(t, 10, 0)
	mock.ExpectQuery("SELECT").WillReturnRows(sumRows(10.0, 10.0))

	assert.True(t, ledger.OverBudget(context.Background(), "owner-a", "openai"))
}

func TestOverBudgetLeavesHeadroomAlone(t *testing.T) {
	ledger, mock := newTestLedger(t, 10, 0)
	mock.ExpectQuery("SELECT").WillReturnRows(sumRows(9.99, 9.99))

	assert.False(t, ledger.OverBudget(context.Background(), "owner-a", "openai"))
}
