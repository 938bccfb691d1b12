package settlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func daysFrom(t time.Time, days int) *time.Time {
	d := t.AddDate(0, 0, days)
	return &d
}

func TestDeriveInvoiceStatus(t *testing.T) {
	p := DefaultPolicy()
	require.Equal(t, InvoiceNotReceived, DeriveInvoiceStatus(118000, InvoiceSettlement{}, p))
	require.Equal(t, InvoicePartiallyReceived, DeriveInvoiceStatus(118000, InvoiceSettlement{Collected: 50000}, p))
	require.Equal(t, InvoiceFullyReceived, DeriveInvoiceStatus(118000, InvoiceSettlement{Collected: 118000}, p))
	require.Equal(t, InvoiceFullyReceived, DeriveInvoiceStatus(118000, InvoiceSettlement{Collected: 117999.995}, p))
	require.Equal(t, InvoiceFullyReceived, DeriveInvoiceStatus(60000, InvoiceSettlement{Collected: 50000, Credited: 10000}, p))
}

func TestInvoiceStatusMonotonicUnderGrowth(t *testing.T) {
	rank := map[InvoiceStatus]int{InvoiceNotReceived: 0, InvoicePartiallyReceived: 1, InvoiceFullyReceived: 2}
	p := DefaultPolicy()
	prev := -1
	for received := 0.0; received <= 130000; received += 6500 {
		r := rank[DeriveInvoiceStatus(118000, InvoiceSettlement{Collected: received}, p)]
		require.GreaterOrEqual(t, r, prev, "received=%v", received)
		prev = r
	}
}

func TestInvoiceRemainingNeverNegative(t *testing.T) {
	require.Equal(t, 68000.0, InvoiceRemaining(118000, InvoiceSettlement{Collected: 50000}))
	require.Zero(t, InvoiceRemaining(118000, InvoiceSettlement{Collected: 200000}))
}

func TestDeriveBillStatusScenarios(t *testing.T) {
	today := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	p := DefaultPolicy()
	bill := BillState{GrandTotal: 50000, TDSAmount: 500, DueDate: daysFrom(today, -10), Current: BillNotPaid}

	require.Equal(t, BillOverdue, DeriveBillStatus(bill, BillSettlement{}, today, p))
	require.Equal(t, BillFullyPaid, DeriveBillStatus(bill, BillSettlement{Paid: 49500}, today, p))
	require.Equal(t, BillPartiallyPaid, DeriveBillStatus(bill, BillSettlement{Paid: 1000}, today, p))
	require.Zero(t, BillRemaining(bill, BillSettlement{Paid: 49500}))
	require.Equal(t, 49000.0, BillRemaining(bill, BillSettlement{Credited: 500}))
}

func TestDeriveBillStatusDueWindow(t *testing.T) {
	today := time.Date(2024, 6, 15, 18, 30, 0, 0, time.UTC)
	p := DefaultPolicy()
	cases := []struct {
		name string
		due  *time.Time
		new  bool
		want BillStatus
	}{
		{"due today", daysFrom(today, 0), false, BillDueSoon},
		{"due in seven days", daysFrom(today, 7), false, BillDueSoon},
		{"due in eight days", daysFrom(today, 8), false, BillNotPaid},
		{"due yesterday", daysFrom(today, -1), false, BillOverdue},
		{"no due date", nil, false, BillNotPaid},
		{"new without due date", nil, true, BillDraft},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bill := BillState{GrandTotal: 1000, DueDate: tc.due, New: tc.new}
			require.Equal(t, tc.want, DeriveBillStatus(bill, BillSettlement{}, today, p))
		})
	}
}

func TestDeriveBillStatusKeepsCancelled(t *testing.T) {
	bill := BillState{GrandTotal: 1000, Current: BillCancelled}
	require.Equal(t, BillCancelled, DeriveBillStatus(bill, BillSettlement{Paid: 1000}, time.Now(), DefaultPolicy()))
}

func TestCreditsReduceNetPayable(t *testing.T) {
	today := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	bill := BillState{GrandTotal: 10000, TDSAmount: 100, DueDate: daysFrom(today, 30)}
	status := DeriveBillStatus(bill, BillSettlement{Paid: 8900, Credited: 1000}, today, DefaultPolicy())
	require.Equal(t, BillFullyPaid, status)
}
