package devices

import "time"

// Election and transfer failure reasons.
const (
	ReasonDeviceNotActive      = "device_not_active"
	ReasonPrimaryExists        = "primary_exists"
	ReasonNotCurrentPrimary    = "not_current_primary"
	ReasonTargetDeviceInactive = "target_device_inactive"
)

// Device is one registered client device.
type Device struct {
	DeviceID     string    `db:"device_id" json:"deviceId"`
	UserID       string    `db:"user_id" json:"userId"`
	Platform     string    `db:"platform" json:"platform"`
	AppVersion   string    `db:"app_version" json:"appVersion,omitempty"`
	RegisteredAt time.Time `db:"registered_at" json:"registeredAt"`
	LastSeen     time.Time `db:"last_seen" json:"lastSeen"`
}

// DeviceInfo carries the optional registration metadata.
type DeviceInfo struct {
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion"`
}

// ElectionResult describes the outcome of a primary election.
type ElectionResult struct {
	Success         bool   `json:"success"`
	IsPrimary       bool   `json:"isPrimary"`
	PrimaryDeviceID string `json:"primaryDeviceId,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// TransferResult describes the outcome of a primary hand-off.
type TransferResult struct {
	Success            bool   `json:"success"`
	NewPrimaryDeviceID string `json:"newPrimaryDeviceId,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// Stats summarizes the registry for the stats endpoint.
type Stats struct {
	TotalDevices          int     `json:"totalDevices"`
	ActiveDevices         int     `json:"activeDevices"`
	InactiveDevices       int     `json:"inactiveDevices"`
	TotalUsers            int     `json:"totalUsers"`
	PrimaryDevices        int     `json:"primaryDevices"`
	AverageDevicesPerUser float64 `json:"averageDevicesPerUser"`
}
