package rowmap

import (
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// ReceiptRow is a row of the remote receipts table.
type ReceiptRow struct {
	ID          ID       `json:"id"`
	UserID      *string  `json:"user_id"`
	Vendor      *string  `json:"vendor"`
	PIB         *string  `json:"pib"`
	Date        *string  `json:"date"`
	TotalAmount Number   `json:"total_amount"`
	VATAmount   Number   `json:"vat_amount"`
	Category    *string  `json:"category"`
	Items       JSONText `json:"items"`
	Notes       *string  `json:"notes"`
	ImageURL    *string  `json:"image_url"`
	PDFURL      *string  `json:"pdf_url"`
	QRLink      *string  `json:"qr_link"`
	CreatedAt   *string  `json:"created_at"`
	UpdatedAt   *string  `json:"updated_at"`
}

func (r ReceiptRow) Kind() schema.EntityType { return schema.EntityReceipt }
func (r ReceiptRow) RowID() int64            { return int64(r.ID) }

// itemRow is one element of the items column.
type itemRow struct {
	Name     *string `json:"name"`
	Quantity Number  `json:"quantity"`
	Price    Number  `json:"price"`
	Total    Number  `json:"total"`
}

// ReceiptToLocal maps a remote receipt row.
func (m *Mapper) ReceiptToLocal(raw json.RawMessage) (schema.Receipt, bool) {
	var row ReceiptRow
	if !m.decode(schema.EntityReceipt, raw, &row) {
		return schema.Receipt{}, false
	}

	createdAt, updatedAt := m.stamps(row.CreatedAt, row.UpdatedAt)
	date := ParseTime(str(row.Date), createdAt)

	r := schema.Receipt{
		ID:           int64(row.ID),
		MerchantName: str(row.Vendor),
		PIB:          str(row.PIB),
		Date:         date,
		Time:         WallClock(str(row.Date), date),
		TotalAmount:  row.TotalAmount.Or(0),
		Category:     str(row.Category),
		Notes:        str(row.Notes),
		ImageURL:     str(row.ImageURL),
		PDFURL:       str(row.PDFURL),
		QRLink:       str(row.QRLink),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		SyncStatus:   schema.StatusSynced,
	}
	if row.VATAmount.Valid && row.VATAmount.Value != 0 {
		vat := row.VATAmount.Value
		r.VATAmount = &vat
	}
	r.Items = m.items(r.ID, row.Items)
	return r, true
}

// items re-validates the items column element by element. Elements without
// a name are dropped; a bad quantity counts as 1, a bad price as 0, and a
// missing total is price times quantity.
func (m *Mapper) items(receiptID int64, raw JSONText) []schema.ReceiptItem {
	if len(raw) == 0 {
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		m.logger.Warn("dropping corrupt receipt items", "receipt", receiptID, "error", err)
		return nil
	}

	var items []schema.ReceiptItem
	for i, elem := range elems {
		var it itemRow
		if err := json.Unmarshal(elem, &it); err != nil || str(it.Name) == "" {
			m.logger.Warn("dropping receipt item", "receipt", receiptID, "index", i)
			continue
		}
		qty := it.Quantity.Or(1)
		price := it.Price.Or(0)
		items = append(items, schema.ReceiptItem{
			Name:     str(it.Name),
			Quantity: qty,
			Price:    price,
			Total:    it.Total.Or(price * qty),
		})
	}
	return items
}

// ReceiptToRemote builds the remote row for r.
func (m *Mapper) ReceiptToRemote(r schema.Receipt, userID string) ReceiptRow {
	now := m.clock.Now()
	row := ReceiptRow{
		ID:          ID(r.ID),
		UserID:      optional(userID),
		Vendor:      optional(r.MerchantName),
		PIB:         optional(r.PIB),
		Date:        optional(FormatTime(r.Date, now)),
		TotalAmount: Num(r.TotalAmount),
		Category:    optional(r.Category),
		Notes:       optional(r.Notes),
		ImageURL:    optional(r.ImageURL),
		PDFURL:      optional(r.PDFURL),
		QRLink:      optional(r.QRLink),
		CreatedAt:   optional(FormatTime(r.CreatedAt, now)),
		UpdatedAt:   optional(FormatTime(r.UpdatedAt, now)),
	}
	if r.VATAmount != nil {
		row.VATAmount = Num(*r.VATAmount)
	}
	if len(r.Items) > 0 {
		elems := make([]itemRow, len(r.Items))
		for i, it := range r.Items {
			elems[i] = itemRow{
				Name:     optional(it.Name),
				Quantity: Num(it.Quantity),
				Price:    Num(it.Price),
				Total:    Num(it.Total),
			}
		}
		data, err := json.Marshal(elems)
		if err != nil {
			m.logger.Warn("dropping receipt items", "receipt", r.ID, "error", err)
		} else {
			row.Items = JSONText(data)
		}
	}
	return row
}
