package validation

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/blake2b"

	"crowdbus/internal/domain"
)

// PingPayload is the wire form of a ping. Coordinates are pointers so a
// missing field is distinguishable from zero.
type PingPayload struct {
	BusID       string     `json:"busId" validate:"required,max=64"`
	DeviceToken string     `json:"deviceToken" validate:"required,min=8,max=256"`
	Lat         *float64   `json:"lat" validate:"required,gte=-90,lte=90"`
	Lng         *float64   `json:"lng" validate:"required,gte=-180,lte=180"`
	Accuracy    *float64   `json:"accuracy" validate:"required,gte=0"`
	Speed       *float64   `json:"speed" validate:"omitempty,gte=0"`
	Heading     *float64   `json:"heading" validate:"omitempty,gte=0,lt=360"`
	Timestamp   *time.Time `json:"timestamp" validate:"required"`
}

// SessionPayload starts or stops a tracking session.
type SessionPayload struct {
	BusID       string `json:"busId" validate:"required,max=64"`
	DeviceToken string `json:"deviceToken" validate:"required,min=8,max=256"`
}

var structValidator = validator.New()

// CheckPayload validates the structure of an ingest payload. Failures wrap
// domain.ErrMalformedInput.
func CheckPayload(p any) error {
	if err := structValidator.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, len(verrs))
			for i, fe := range verrs {
				fields[i] = fmt.Sprintf("%s(%s)", fe.Field(), fe.Tag())
			}
			return fmt.Errorf("%w: %s", domain.ErrMalformedInput, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", domain.ErrMalformedInput, err)
	}
	return nil
}

// RawPing converts a checked payload. The server timestamp is stamped by the
// caller at receipt.
func (p PingPayload) RawPing(deviceID string, received time.Time) domain.RawPing {
	return domain.RawPing{
		BusID:           p.BusID,
		DeviceID:        deviceID,
		Lat:             *p.Lat,
		Lng:             *p.Lng,
		Accuracy:        *p.Accuracy,
		Speed:           p.Speed,
		Heading:         p.Heading,
		ClientTimestamp: *p.Timestamp,
		ServerTimestamp: received,
	}
}

// DeviceHasher turns opaque device tokens into stable anonymous IDs using
// keyed BLAKE2b-256.
type DeviceHasher struct {
	key []byte
}

func NewDeviceHasher(key string) (*DeviceHasher, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("device hash key longer than %d bytes", blake2b.Size)
	}
	return &DeviceHasher{key: []byte(key)}, nil
}

func (h *DeviceHasher) DeviceID(token string) string {
	// New256 only fails on an oversized key, which NewDeviceHasher rejects.
	d, _ := blake2b.New256(h.key)
	d.Write([]byte(token))
	return hex.EncodeToString(d.Sum(nil))
}
