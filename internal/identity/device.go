// Package identity manages the opaque per-device identifier stamped on
// every research batch. The identifier is a UUID generated on first run and
// persisted locally; it is never derived from hardware serials, operator
// accounts, or patient data, so the synced artifact stays anonymous.
package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/anemia-screen/internal/logging"
)

// singletonRowID pins the identity to one row so concurrent first runs
// collide on the primary key instead of diverging.
const singletonRowID = 1

// DeviceIdentity is the single-row table holding this installation's ID.
type DeviceIdentity struct {
	ID        uint      `gorm:"primaryKey;autoIncrement:false"`
	DeviceID  string    `gorm:"column:device_id;uniqueIndex;size:64"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (DeviceIdentity) TableName() string {
	return "device_identities"
}

// AutoMigrate ensures the schema is available.
func AutoMigrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(&DeviceIdentity{})
}

// EnsureDeviceID returns the persisted device identifier, generating and
// storing one on first run. When another instance wins the insert race the
// winner's identifier is adopted.
func EnsureDeviceID(ctx context.Context, db *gorm.DB, logger *zap.Logger) (string, error) {
	var identity DeviceIdentity
	err := db.WithContext(ctx).First(&identity).Error
	if err == nil {
		return identity.DeviceID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", logging.NewOperationError("identity.load", "", err)
	}

	identity = DeviceIdentity{
		ID:        singletonRowID,
		DeviceID:  uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	if createErr := db.WithContext(ctx).Create(&identity).Error; createErr != nil {
		var existing DeviceIdentity
		if readErr := db.WithContext(ctx).First(&existing).Error; readErr == nil {
			logger.Info("adopted device identity created concurrently",
				zap.String("device_id", existing.DeviceID))
			return existing.DeviceID, nil
		}
		return "", logging.NewOperationError("identity.create", "", createErr)
	}

	logger.Info("generated device identity", zap.String("device_id", identity.DeviceID))
	return identity.DeviceID, nil
}
