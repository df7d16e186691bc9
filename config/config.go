// harei/config/config.go
package config

import "time"

const (
	AppVersion = "1.4.0"
	SiteName   = "Harei"

	// Credential storage keys
	TokenKey        = "harei-admin-token"
	TokenExpiresKey = "harei-admin-token-expires"
	TokenValidity   = 7 * 24 * time.Hour

	// Viewer bounds
	MinZoom       = 0.5
	MaxZoom       = 3.0
	ZoomStep      = 0.1
	DragThreshold = 3.0

	// Upload limits
	MaxBoxUploadSize  = 50 * 1024 * 1024 // 50MB total
	MaxGiftUploadSize = 20 * 1024 * 1024
	MaxArchiveSize    = 512 * 1024 * 1024
	MaxGiftWidth      = 4096
	MaxGiftHeight     = 4096
	MaxMessageLen     = 2000
	MaxTagLen         = 32
	MaxUIDLen         = 16

	// Month pickers never go earlier than these.
	CaptainsFloorMonth = 202601
	GiftFloorMonth     = 202407

	// Rate Limiting Defaults
	DefaultRateLimitEvery  = "30s"
	DefaultRateLimitBurst  = 3
	DefaultRateLimitPrune  = "1h"
	DefaultRateLimitExpire = "24h"
)

// ArchiveExtensions are the file suffixes accepted by the resource upload form.
var ArchiveExtensions = []string{".zip", ".rar", ".7z", ".tar", ".gz", ".tgz", ".bz2", ".xz"}

// BoxImageExtensions are the attachment suffixes the question box accepts.
var BoxImageExtensions = []string{"jpg", "jpeg", "png", "webp", "gif", "bmp", "tif", "tiff", "heif", "heic"}

// BoxImageTypes are the content types accepted as message attachments.
var BoxImageTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true, "image/webp": true, "image/bmp": true,
	"image/tiff": true, "image/x-tiff": true, "image/heif": true, "image/heic": true,
}

// GiftImageTypes are the decodable formats accepted for captain gift uploads.
var GiftImageTypes = map[string]bool{
	"image/jpeg": true, "image/png": true, "image/gif": true, "image/webp": true, "image/bmp": true,
}
