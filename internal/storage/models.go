package storage

import "time"

// Firmware is a stored firmware record. FileID is an opaque locator
// meaningful only to the backend that created it (a filename on disk,
// a GridFS object name) and is never portable across backends.
type Firmware struct {
	ID           string     `json:"id" bson:"id"`
	DeviceType   string     `json:"deviceType" bson:"deviceType"`
	Version      string     `json:"version" bson:"version"`
	Description  string     `json:"description" bson:"description"`
	OriginalName string     `json:"originalName" bson:"originalName"`
	Size         int64      `json:"size" bson:"size"`
	SHA1         string     `json:"sha1" bson:"sha1"`
	UploadedBy   string     `json:"uploadedBy" bson:"uploadedBy"`
	Mimetype     string     `json:"mimetype" bson:"mimetype"`
	FileID       string     `json:"fileId" bson:"fileId"`
	CreatedAt    time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	UpdatedBy    string     `json:"updatedBy,omitempty" bson:"updatedBy,omitempty"`
}

// FirmwareUpdate carries the only fields a metadata update may touch.
// ID, FileID, SHA1, Size and CreatedAt are immutable after creation.
type FirmwareUpdate struct {
	Version     string `json:"version"`
	Description string `json:"description"`
	UpdatedBy   string `json:"updatedBy,omitempty"`
}

// FirmwareMinimal is the projection returned for minimal listings.
type FirmwareMinimal struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	SHA1    string `json:"sha1"`
}

// User is an operator account. Username is the natural key for
// lookup, update and delete.
type User struct {
	ID        string     `json:"id" bson:"id"`
	Username  string     `json:"username" bson:"username"`
	Password  string     `json:"password,omitempty" bson:"password"`
	Role      string     `json:"role" bson:"role"`
	CreatedAt time.Time  `json:"createdAt" bson:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	LastLogin *time.Time `json:"lastLogin,omitempty" bson:"lastLogin,omitempty"`
}

// Sanitized returns a copy safe for external exposure.
func (u User) Sanitized() User {
	u.Password = ""
	return u
}

// Stats is the aggregate firmware report merged with analytics keys.
// deviceTypes is always the sorted distinct list.
type Stats map[string]any

// Health is the facade health report.
type Health struct {
	Status         string `json:"status"`
	StorageType    string `json:"storageType"`
	TotalFirmwares int    `json:"totalFirmwares"`
	Initialized    bool   `json:"initialized"`
	Error          string `json:"error,omitempty"`
}
