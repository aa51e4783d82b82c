package schema

import (
	"fmt"
	"time"
)

// DeviceStatus is the warranty state of a device.
type DeviceStatus string

const (
	DeviceActive    DeviceStatus = "active"
	DeviceExpired   DeviceStatus = "expired"
	DeviceInService DeviceStatus = "in-service"
)

// IsValid reports whether s is a known device status.
func (s DeviceStatus) IsValid() bool {
	switch s {
	case DeviceActive, DeviceExpired, DeviceInService:
		return true
	}
	return false
}

// Device is a warranty-tracked item.
type Device struct {
	ID                   int64        `json:"id"`
	ReceiptID            *int64       `json:"receiptId,omitempty"`
	Brand                string       `json:"brand"`
	Model                string       `json:"model"`
	Category             string       `json:"category"`
	SerialNumber         string       `json:"serialNumber,omitempty"`
	PurchaseDate         time.Time    `json:"purchaseDate"`
	WarrantyDuration     int          `json:"warrantyDuration"` // months
	WarrantyExpiry       time.Time    `json:"warrantyExpiry"`
	Status               DeviceStatus `json:"status"`
	ServiceCenterName    string       `json:"serviceCenterName,omitempty"`
	ServiceCenterAddress string       `json:"serviceCenterAddress,omitempty"`
	ServiceCenterPhone   string       `json:"serviceCenterPhone,omitempty"`
	ServiceCenterHours   string       `json:"serviceCenterHours,omitempty"`
	Attachments          []string     `json:"attachments,omitempty"`
	CreatedAt            time.Time    `json:"createdAt"`
	UpdatedAt            time.Time    `json:"updatedAt"`
	SyncStatus           SyncStatus   `json:"syncStatus"`
}

func (d Device) Kind() EntityType       { return EntityDevice }
func (d Device) RecordID() int64        { return d.ID }
func (d Device) LastUpdated() time.Time { return d.UpdatedAt }
func (d Device) SyncState() SyncStatus  { return d.SyncStatus }

// Validate checks if the Device has valid field values.
func (d Device) Validate() error {
	if err := validateCommon(d.ID, d.CreatedAt, d.UpdatedAt, d.SyncStatus); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if !d.Status.IsValid() {
		return fmt.Errorf("device %d: invalid status %q", d.ID, d.Status)
	}
	if d.WarrantyDuration < 0 {
		return fmt.Errorf("device %d: warranty duration must not be negative", d.ID)
	}
	if d.ReceiptID != nil && *d.ReceiptID <= 0 {
		return fmt.Errorf("device %d: invalid receipt id %d", d.ID, *d.ReceiptID)
	}
	return nil
}

// DeriveDeviceStatus picks the status for a device whose stored status is
// missing or unknown.
func DeriveDeviceStatus(expiry, now time.Time) DeviceStatus {
	if !expiry.IsZero() && expiry.Before(now) {
		return DeviceExpired
	}
	return DeviceActive
}
