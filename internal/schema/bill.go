package schema

import (
	"fmt"
	"time"
)

// BillStatus is the payment state of a household bill.
type BillStatus string

const (
	BillPending BillStatus = "pending"
	BillPaid    BillStatus = "paid"
	BillOverdue BillStatus = "overdue"
)

// IsValid reports whether s is a known bill status.
func (s BillStatus) IsValid() bool {
	switch s {
	case BillPending, BillPaid, BillOverdue:
		return true
	}
	return false
}

// HouseholdBill is a utility or household bill.
type HouseholdBill struct {
	ID                 int64        `json:"id"`
	BillType           string       `json:"billType"`
	Provider           string       `json:"provider"`
	AccountNumber      string       `json:"accountNumber,omitempty"`
	Amount             float64      `json:"amount"`
	BillingPeriodStart time.Time    `json:"billingPeriodStart"`
	BillingPeriodEnd   time.Time    `json:"billingPeriodEnd"`
	DueDate            time.Time    `json:"dueDate"`
	PaymentDate        *time.Time   `json:"paymentDate,omitempty"`
	Status             BillStatus   `json:"status"`
	Consumption        *Consumption `json:"consumption,omitempty"`
	Notes              string       `json:"notes,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
	SyncStatus         SyncStatus   `json:"syncStatus"`
}

// Consumption is a metered quantity billed, e.g. 312 kWh.
type Consumption struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (b HouseholdBill) Kind() EntityType       { return EntityHouseholdBill }
func (b HouseholdBill) RecordID() int64        { return b.ID }
func (b HouseholdBill) LastUpdated() time.Time { return b.UpdatedAt }
func (b HouseholdBill) SyncState() SyncStatus  { return b.SyncStatus }

// Validate checks if the HouseholdBill has valid field values.
func (b HouseholdBill) Validate() error {
	if err := validateCommon(b.ID, b.CreatedAt, b.UpdatedAt, b.SyncStatus); err != nil {
		return fmt.Errorf("household bill: %w", err)
	}
	if !b.Status.IsValid() {
		return fmt.Errorf("household bill %d: invalid status %q", b.ID, b.Status)
	}
	if b.BillingPeriodEnd.Before(b.BillingPeriodStart) {
		return fmt.Errorf("household bill %d: billing period ends before it starts", b.ID)
	}
	if b.Consumption != nil && b.Consumption.Unit == "" {
		return fmt.Errorf("household bill %d: consumption unit is required", b.ID)
	}
	return nil
}
