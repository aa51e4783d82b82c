package rowmap

import (
	"github.com/segmentio/encoding/json"

	"github.com/fiskalni/fiskalni/internal/schema"
)

// DeviceRow is a row of the remote devices table.
type DeviceRow struct {
	ID                   ID       `json:"id"`
	UserID               *string  `json:"user_id"`
	ReceiptID            *ID      `json:"receipt_id"`
	Brand                *string  `json:"brand"`
	Model                *string  `json:"model"`
	Category             *string  `json:"category"`
	SerialNumber         *string  `json:"serial_number"`
	PurchaseDate         *string  `json:"purchase_date"`
	WarrantyDuration     Number   `json:"warranty_duration"`
	WarrantyExpiry       *string  `json:"warranty_expiry"`
	Status               *string  `json:"status"`
	ServiceCenterName    *string  `json:"service_center_name"`
	ServiceCenterAddress *string  `json:"service_center_address"`
	ServiceCenterPhone   *string  `json:"service_center_phone"`
	ServiceCenterHours   *string  `json:"service_center_hours"`
	Attachments          JSONText `json:"attachments"`
	CreatedAt            *string  `json:"created_at"`
	UpdatedAt            *string  `json:"updated_at"`
}

func (d DeviceRow) Kind() schema.EntityType { return schema.EntityDevice }
func (d DeviceRow) RowID() int64            { return int64(d.ID) }

// DeviceToLocal maps a remote device row. An unknown status is derived from
// the warranty expiry.
func (m *Mapper) DeviceToLocal(raw json.RawMessage) (schema.Device, bool) {
	var row DeviceRow
	if !m.decode(schema.EntityDevice, raw, &row) {
		return schema.Device{}, false
	}

	createdAt, updatedAt := m.stamps(row.CreatedAt, row.UpdatedAt)
	purchased := ParseTime(str(row.PurchaseDate), createdAt)
	months := int(row.WarrantyDuration.Or(0))
	if months < 0 {
		months = 0
	}
	expiry := ParseTime(str(row.WarrantyExpiry), purchased.AddDate(0, months, 0))

	d := schema.Device{
		ID:                   int64(row.ID),
		Brand:                str(row.Brand),
		Model:                str(row.Model),
		Category:             str(row.Category),
		SerialNumber:         str(row.SerialNumber),
		PurchaseDate:         purchased,
		WarrantyDuration:     months,
		WarrantyExpiry:       expiry,
		Status:               schema.DeviceStatus(str(row.Status)),
		ServiceCenterName:    str(row.ServiceCenterName),
		ServiceCenterAddress: str(row.ServiceCenterAddress),
		ServiceCenterPhone:   str(row.ServiceCenterPhone),
		ServiceCenterHours:   str(row.ServiceCenterHours),
		Attachments:          m.attachments(int64(row.ID), row.Attachments),
		CreatedAt:            createdAt,
		UpdatedAt:            updatedAt,
		SyncStatus:           schema.StatusSynced,
	}
	if row.ReceiptID != nil && row.ReceiptID.Valid() {
		rid := int64(*row.ReceiptID)
		d.ReceiptID = &rid
	}
	if !d.Status.IsValid() {
		d.Status = schema.DeriveDeviceStatus(expiry, m.clock.Now())
	}
	return d, true
}

// attachments keeps the non-empty string elements of the attachments
// column.
func (m *Mapper) attachments(deviceID int64, raw JSONText) []string {
	if len(raw) == 0 {
		return nil
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		m.logger.Warn("dropping corrupt attachments", "device", deviceID, "error", err)
		return nil
	}

	var urls []string
	for _, elem := range elems {
		var u string
		if err := json.Unmarshal(elem, &u); err != nil || u == "" {
			continue
		}
		urls = append(urls, u)
	}
	return urls
}

// DeviceToRemote builds the remote row for d.
func (m *Mapper) DeviceToRemote(d schema.Device, userID string) DeviceRow {
	now := m.clock.Now()
	row := DeviceRow{
		ID:                   ID(d.ID),
		UserID:               optional(userID),
		Brand:                optional(d.Brand),
		Model:                optional(d.Model),
		Category:             optional(d.Category),
		SerialNumber:         optional(d.SerialNumber),
		PurchaseDate:         optional(FormatTime(d.PurchaseDate, now)),
		WarrantyDuration:     Num(float64(d.WarrantyDuration)),
		WarrantyExpiry:       optional(FormatTime(d.WarrantyExpiry, now)),
		Status:               optional(string(d.Status)),
		ServiceCenterName:    optional(d.ServiceCenterName),
		ServiceCenterAddress: optional(d.ServiceCenterAddress),
		ServiceCenterPhone:   optional(d.ServiceCenterPhone),
		ServiceCenterHours:   optional(d.ServiceCenterHours),
		CreatedAt:            optional(FormatTime(d.CreatedAt, now)),
		UpdatedAt:            optional(FormatTime(d.UpdatedAt, now)),
	}
	if d.ReceiptID != nil {
		rid := ID(*d.ReceiptID)
		row.ReceiptID = &rid
	}
	if len(d.Attachments) > 0 {
		data, err := json.Marshal(d.Attachments)
		if err != nil {
			m.logger.Warn("dropping device attachments", "device", d.ID, "error", err)
		} else {
			row.Attachments = JSONText(data)
		}
	}
	return row
}
