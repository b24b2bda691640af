// Package registry manages the set of devices allowed to sync. Each device
// carries a bcrypt-hashed secret; the token endpoint authenticates against
// this registry before minting a JWT.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"golang.org/x/crypto/bcrypt"

	"github.com/driftsync/driftsync/internal/logger"
)

// Common errors for registry operations.
var (
	ErrDeviceNotFound  = errors.New("device not found")
	ErrDuplicateDevice = errors.New("device already exists")
	ErrBadCredentials  = errors.New("invalid device credentials")
	ErrSecretTooShort  = errors.New("secret must be at least 8 characters")

	// ErrSecretTooLong guards bcrypt's 72 byte input ceiling; anything
	// longer would be silently truncated.
	ErrSecretTooLong = errors.New("secret must be at most 72 characters")
)

const (
	minSecretLength = 8
	maxSecretLength = 72
	bcryptCost      = 10
)

// Device is one registered sync participant.
type Device struct {
	DeviceID   string    `json:"deviceId"`
	Name       string    `json:"name,omitempty"`
	SecretHash string    `json:"secretHash"`
	CreatedAt  time.Time `json:"createdAt"`
	LastSeenAt time.Time `json:"lastSeenAt,omitempty"`
}

// Registry is a badger-backed device catalogue. Keys live under the "dev:"
// prefix with JSON values.
type Registry struct {
	db *badgerdb.DB
}

func keyDevice(deviceID string) []byte {
	return []byte("dev:" + deviceID)
}

// Open opens (or creates) a registry at path.
func Open(path string) (*Registry, error) {
	opts := badgerdb.DefaultOptions(path).WithLogger(nil)
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("registry: open badger at %s: %w", path, err)
	}
	return &Registry{db: db}, nil
}

func validateSecret(secret string) error {
	if len(secret) < minSecretLength {
		return ErrSecretTooShort
	}
	if len(secret) > maxSecretLength {
		return ErrSecretTooLong
	}
	return nil
}

// Add registers a device with the given plaintext secret. The secret is
// hashed before it touches disk.
func (r *Registry) Add(ctx context.Context, deviceID, name, secret string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}
	if strings.TrimSpace(deviceID) == "" {
		return Device{}, errors.New("registry: device id must not be empty")
	}
	if err := validateSecret(secret); err != nil {
		return Device{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcryptCost)
	if err != nil {
		return Device{}, fmt.Errorf("registry: hash secret: %w", err)
	}

	device := Device{
		DeviceID:   deviceID,
		Name:       name,
		SecretHash: string(hash),
		CreatedAt:  time.Now().UTC(),
	}

	err = r.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyDevice(deviceID))
		if err == nil {
			return ErrDuplicateDevice
		}
		if err != badgerdb.ErrKeyNotFound {
			return err
		}
		encoded, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return txn.Set(keyDevice(deviceID), encoded)
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateDevice) {
			return Device{}, ErrDuplicateDevice
		}
		return Device{}, fmt.Errorf("registry: add device: %w", err)
	}

	logger.Info("device registered", logger.Device(deviceID))
	return device, nil
}

// Get returns a device by id.
func (r *Registry) Get(ctx context.Context, deviceID string) (Device, error) {
	if err := ctx.Err(); err != nil {
		return Device{}, err
	}

	var device Device
	err := r.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyDevice(deviceID))
		if err == badgerdb.ErrKeyNotFound {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &device)
		})
	})
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return Device{}, ErrDeviceNotFound
		}
		return Device{}, fmt.Errorf("registry: get device: %w", err)
	}
	return device, nil
}

// Authenticate verifies a device secret and stamps LastSeenAt on success.
// Unknown devices and wrong secrets both surface as ErrBadCredentials so
// the endpoint cannot be used to enumerate device ids.
func (r *Registry) Authenticate(ctx context.Context, deviceID, secret string) (Device, error) {
	device, err := r.Get(ctx, deviceID)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return Device{}, ErrBadCredentials
		}
		return Device{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(device.SecretHash), []byte(secret)); err != nil {
		return Device{}, ErrBadCredentials
	}

	device.LastSeenAt = time.Now().UTC()
	err = r.db.Update(func(txn *badgerdb.Txn) error {
		encoded, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return txn.Set(keyDevice(deviceID), encoded)
	})
	if err != nil {
		// The credential check already passed; losing the timestamp is
		// not worth failing the login.
		logger.Warn("failed to update device last seen", logger.Device(deviceID), logger.Err(err))
	}
	return device, nil
}

// List returns all registered devices in key order.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var devices []Device
	err := r.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte("dev:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var device Device
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &device)
			})
			if err != nil {
				return err
			}
			devices = append(devices, device)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list devices: %w", err)
	}
	return devices, nil
}

// Remove deletes a device. Removing an unknown device returns
// ErrDeviceNotFound.
func (r *Registry) Remove(ctx context.Context, deviceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := r.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyDevice(deviceID))
		if err == badgerdb.ErrKeyNotFound {
			return ErrDeviceNotFound
		}
		if err != nil {
			return err
		}
		return txn.Delete(keyDevice(deviceID))
	})
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			return ErrDeviceNotFound
		}
		return fmt.Errorf("registry: remove device: %w", err)
	}

	logger.Info("device removed", logger.Device(deviceID))
	return nil
}

// Close releases the underlying database.
func (r *Registry) Close() error {
	return r.db.Close()
}
