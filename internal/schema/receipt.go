package schema

import (
	"fmt"
	"time"
)

// Receipt is a fiscal receipt captured by QR scan, photo, or manual entry.
type Receipt struct {
	ID           int64         `json:"id"`
	MerchantName string        `json:"merchantName"`
	PIB          string        `json:"pib,omitempty"`
	Date         time.Time     `json:"date"`
	Time         string        `json:"time"` // HH:mm
	TotalAmount  float64       `json:"totalAmount"`
	VATAmount    *float64      `json:"vatAmount,omitempty"`
	Category     string        `json:"category"`
	Items        []ReceiptItem `json:"items,omitempty"`
	Notes        string        `json:"notes,omitempty"`
	ImageURL     string        `json:"imageUrl,omitempty"`
	PDFURL       string        `json:"pdfUrl,omitempty"`
	QRLink       string        `json:"qrLink,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
	SyncStatus   SyncStatus    `json:"syncStatus"`
}

// ReceiptItem is one line of a receipt.
type ReceiptItem struct {
	Name     string  `json:"name"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price"`
	Total    float64 `json:"total"`
}

func (r Receipt) Kind() EntityType       { return EntityReceipt }
func (r Receipt) RecordID() int64        { return r.ID }
func (r Receipt) LastUpdated() time.Time { return r.UpdatedAt }
func (r Receipt) SyncState() SyncStatus  { return r.SyncStatus }

// Validate checks if the Receipt has valid field values.
func (r Receipt) Validate() error {
	if err := validateCommon(r.ID, r.CreatedAt, r.UpdatedAt, r.SyncStatus); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("receipt %d: date is required", r.ID)
	}
	for i, item := range r.Items {
		if item.Name == "" {
			return fmt.Errorf("receipt %d: item %d has no name", r.ID, i)
		}
	}
	return nil
}

// ClockTime formats t the way Receipt.Time is stored: the wall clock in
// t's own location.
func ClockTime(t time.Time) string {
	return t.Format("15:04")
}
