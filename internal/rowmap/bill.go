package rowmap

import (
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// HouseholdBillRow is a row of the remote household_bills table.
type HouseholdBillRow struct {
	ID                 ID       `json:"id"`
	UserID             *string  `json:"user_id"`
	BillType           *string  `json:"bill_type"`
	Provider           *string  `json:"provider"`
	AccountNumber      *string  `json:"account_number"`
	Amount             Number   `json:"amount"`
	BillingPeriodStart *string  `json:"billing_period_start"`
	BillingPeriodEnd   *string  `json:"billing_period_end"`
	DueDate            *string  `json:"due_date"`
	PaymentDate        *string  `json:"payment_date"`
	Status             *string  `json:"status"`
	Consumption        JSONText `json:"consumption"`
	Notes              *string  `json:"notes"`
	CreatedAt          *string  `json:"created_at"`
	UpdatedAt          *string  `json:"updated_at"`
}

func (b HouseholdBillRow) Kind() schema.EntityType { return schema.EntityHouseholdBill }
func (b HouseholdBillRow) RowID() int64            { return int64(b.ID) }

type consumptionRow struct {
	Value Number  `json:"value"`
	Unit  *string `json:"unit"`
}

// HouseholdBillToLocal maps a remote household bill row.
func (m *Mapper) HouseholdBillToLocal(raw json.RawMessage) (schema.HouseholdBill, bool) {
	var row HouseholdBillRow
	if !m.decode(schema.EntityHouseholdBill, raw, &row) {
		return schema.HouseholdBill{}, false
	}

	createdAt, updatedAt := m.stamps(row.CreatedAt, row.UpdatedAt)
	start := ParseTime(str(row.BillingPeriodStart), createdAt)
	end := ParseTime(str(row.BillingPeriodEnd), start)
	if end.Before(start) {
		end = start
	}

	b := schema.HouseholdBill{
		ID:                 int64(row.ID),
		BillType:           str(row.BillType),
		Provider:           str(row.Provider),
		AccountNumber:      str(row.AccountNumber),
		Amount:             row.Amount.Or(0),
		BillingPeriodStart: start,
		BillingPeriodEnd:   end,
		DueDate:            ParseTime(str(row.DueDate), end),
		Status:             schema.BillStatus(str(row.Status)),
		Notes:              str(row.Notes),
		CreatedAt:          createdAt,
		UpdatedAt:          updatedAt,
		SyncStatus:         schema.StatusSynced,
	}
	if paid, ok := parseTime(str(row.PaymentDate)); ok {
		b.PaymentDate = &paid
	}
	if !b.Status.IsValid() {
		b.Status = schema.BillPending
	}
	b.Consumption = m.consumption(b.ID, row.Consumption)
	return b, true
}

// consumption keeps the consumption column only when it has a numeric value
// and a unit.
func (m *Mapper) consumption(billID int64, raw JSONText) *schema.Consumption {
	if len(raw) == 0 {
		return nil
	}

	var c consumptionRow
	if err := json.Unmarshal(raw, &c); err != nil || !c.Value.Valid || str(c.Unit) == "" {
		m.logger.Warn("dropping invalid consumption", "bill", billID)
		return nil
	}
	return &schema.Consumption{Value: c.Value.Value, Unit: str(c.Unit)}
}

// HouseholdBillToRemote builds the remote row for b.
func (m *Mapper) HouseholdBillToRemote(b schema.HouseholdBill, userID string) HouseholdBillRow {
	now := m.clock.Now()
	row := HouseholdBillRow{
		ID:                 ID(b.ID),
		UserID:             optional(userID),
		BillType:           optional(b.BillType),
		Provider:           optional(b.Provider),
		AccountNumber:      optional(b.AccountNumber),
		Amount:             Num(b.Amount),
		BillingPeriodStart: optional(FormatTime(b.BillingPeriodStart, now)),
		BillingPeriodEnd:   optional(FormatTime(b.BillingPeriodEnd, now)),
		DueDate:            optional(FormatTime(b.DueDate, now)),
		Status:             optional(string(b.Status)),
		Notes:              optional(b.Notes),
		CreatedAt:          optional(FormatTime(b.CreatedAt, now)),
		UpdatedAt:          optional(FormatTime(b.UpdatedAt, now)),
	}
	if b.PaymentDate != nil {
		row.PaymentDate = optional(FormatTime(*b.PaymentDate, now))
	}
	if b.Consumption != nil {
		c := consumptionRow{Value: Num(b.Consumption.Value), Unit: optional(b.Consumption.Unit)}
		if data, err := json.Marshal(c); err == nil {
			row.Consumption = JSONText(data)
		}
	}
	return row
}
