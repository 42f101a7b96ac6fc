// Package cache keeps device display names in Redis so batch reports over
// large fleets do not hit the primary store for every device.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// NameSource is the directory the cache falls back to.
type NameSource interface {
	DeviceName(ctx context.Context, deviceID int64) (string, error)
}

// DeviceNames is a read-through cache in front of a NameSource.
type DeviceNames struct {
	rdb    *redis.Client
	source NameSource
	ttl    time.Duration
	logger *logrus.Logger
}

// NewDeviceNames caches names from source in rdb for ttl.
func NewDeviceNames(rdb *redis.Client, source NameSource, ttl time.Duration, logger *logrus.Logger) *DeviceNames {
	return &DeviceNames{rdb: rdb, source: source, ttl: ttl, logger: logger}
}

func nameKey(deviceID int64) string {
	return fmt.Sprintf("fleet:device:%d:name", deviceID)
}

// DeviceName returns the cached name or loads and caches it. Redis failures
// are logged and served from the source.
func (c *DeviceNames) DeviceName(ctx context.Context, deviceID int64) (string, error) {
	key := nameKey(deviceID)

	name, err := c.rdb.Get(ctx, key).Result()
	if err == nil {
		return name, nil
	}
	if !errors.Is(err, redis.Nil) {
		c.logger.WithError(err).WithField("device_id", deviceID).Warn("device name cache read failed")
	}

	name, err = c.source.DeviceName(ctx, deviceID)
	if err != nil {
		return "", err
	}

	if err := c.rdb.Set(ctx, key, name, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("device_id", deviceID).Warn("device name cache write failed")
	}
	return name, nil
}

// Connect returns a client for addr, or nil when caching is disabled.
func Connect(addr, password string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}
