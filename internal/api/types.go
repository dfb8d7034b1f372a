package api

import "encoding/json"

// Account is the response of the account endpoint.
type Account struct {
	Email   string  `json:"email"`
	Balance float64 `json:"balance"`
	Usage   Usage   `json:"usage"`
}

// Usage is the billed usage of an account.
type Usage struct {
	Devices int   `json:"devices"`
	Storage int64 `json:"storage"`
}

// Device is one entry of the device list.
type Device struct {
	ID          int64             `json:"id"`
	Serial      string            `json:"serial"`
	Description string            `json:"description"`
	Location    string            `json:"location"`
	IsOnline    bool              `json:"is_online"`
	IsSynced    bool              `json:"is_synced"`
	LastSeenAgo *int64            `json:"last_seen_ago"`
	Offline     OfflinePolicy     `json:"offline"`
	HW          *Hardware         `json:"hw"`
	Run         *RunInfo          `json:"run"`
	Setup       *SetupRef         `json:"setup"`
	Maintenance []json.RawMessage `json:"maintenance"`
}

// OfflinePolicy holds the offline thresholds of a device, in days.
type OfflinePolicy struct {
	MaxOffline float64 `json:"max_offline"`
	Chargeable float64 `json:"chargeable"`
	Licensed   bool    `json:"licensed"`
	Plan       string  `json:"plan"`
}

type Hardware struct {
	Model string `json:"model"`
}

type RunInfo struct {
	Restarted int64 `json:"restarted"`
}

type SetupRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Output is the latest screen snapshot of a device.
type Output struct {
	Src string `json:"src"`
}

// Device statuses.
const (
	StatusUnknown      = "unknown"
	StatusOnline       = "online"
	StatusDisconnected = "disconnected"
	StatusOffline      = "offline"
)

const secondsPerDay = 86400

// Status classifies the device by how long it has been out of contact.
func (d Device) Status() string {
	switch {
	case d.LastSeenAgo == nil:
		return StatusUnknown
	case d.IsOnline:
		return StatusOnline
	case float64(*d.LastSeenAgo)/secondsPerDay < d.Offline.MaxOffline:
		return StatusDisconnected
	default:
		return StatusOffline
	}
}

// NeedsMaintenance reports whether maintenance items are pending.
func (d Device) NeedsMaintenance() bool {
	return len(d.Maintenance) > 0
}

// Model returns the hardware model, or "Unknown model".
func (d Device) Model() string {
	if d.HW == nil || d.HW.Model == "" {
		return "Unknown model"
	}

	return d.HW.Model
}

// Overview is the account and device state shown on the dashboard.
type Overview struct {
	Account *Account
	Devices []Device
}

// DeviceDetail is a device together with its latest snapshot, which may
// be missing.
type DeviceDetail struct {
	Device Device
	Output *Output
}
