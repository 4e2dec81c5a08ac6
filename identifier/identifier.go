// Package identifier implements the identity token carried by every registered proxy and
// server process.
//
// The canonical form is
//
//	<createdAtMillis:13 digits>-<instanceId:2 digits>-<uuid>-v<protocolVersion>
//
// e.g. 1760601600000-07-3f1c2d4e-5a6b-4c7d-8e9f-0a1b2c3d4e5f-v1. It is emitted lowercase and
// parsed case-insensitively. Because the timestamp leads and is zero padded, sorting canonical
// strings sorts identifiers by creation time.
package identifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-registry/errs"

	"github.com/google/uuid"
)

const (
	MinInstanceID = 0
	MaxInstanceID = 99

	// CurrentProtocolVersion is stamped on identifiers created by New.
	CurrentProtocolVersion = 1

	maxTimestamp = 9_999_999_999_999
)

var (
	ErrNullField           = fmt.Errorf("%w: null field", errs.ErrInvalidArgument)
	ErrMalformedIdentifier = fmt.Errorf("%w: malformed identifier", errs.ErrInvalidArgument)

	canonicalPattern = regexp.MustCompile(`(?i)^(\d{13})-(\d{2})-([0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12})-v(\d{1,4})$`)
)

// ID identifies a registered process. The zero value is not a valid identifier.
type ID struct {
	UUID            uuid.UUID
	InstanceID      int
	CreatedAtMillis int64
	ProtocolVersion int
}

// New returns a fresh identifier stamped with the current time and a random UUID.
func New(instanceID int) (ID, error) {
	return NewFrom(uuid.New(), instanceID, time.Now().UnixMilli(), CurrentProtocolVersion)
}

// NewFrom builds an identifier from explicit components.
func NewFrom(u uuid.UUID, instanceID int, createdAtMillis int64, version int) (ID, error) {
	if u == uuid.Nil {
		return ID{}, fmt.Errorf("%w: uuid", ErrNullField)
	}
	if err := checkInstanceID(instanceID); err != nil {
		return ID{}, err
	}
	if createdAtMillis <= 0 || createdAtMillis > maxTimestamp {
		return ID{}, fmt.Errorf("%w: timestamp %d out of range", errs.ErrInvalidArgument, createdAtMillis)
	}
	if version < 0 || version > 9999 {
		return ID{}, fmt.Errorf("%w: protocol version %d out of range", errs.ErrInvalidArgument, version)
	}
	return ID{UUID: u, InstanceID: instanceID, CreatedAtMillis: createdAtMillis, ProtocolVersion: version}, nil
}

func checkInstanceID(instanceID int) error {
	if instanceID < MinInstanceID || instanceID > MaxInstanceID {
		return fmt.Errorf("%w: instance id %d not in [%d,%d]", errs.ErrInvalidArgument, instanceID, MinInstanceID, MaxInstanceID)
	}
	return nil
}

// Parse reads a canonical identifier string.
func Parse(s string) (ID, error) {
	m := canonicalPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ID{}, fmt.Errorf("%w: %q", ErrMalformedIdentifier, s)
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: timestamp: %v", ErrMalformedIdentifier, err)
	}
	instance, _ := strconv.Atoi(m[2])
	u, err := uuid.Parse(m[3])
	if err != nil {
		return ID{}, fmt.Errorf("%w: uuid: %v", ErrMalformedIdentifier, err)
	}
	version, _ := strconv.Atoi(m[4])
	id, err := NewFrom(u, instance, ts, version)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformedIdentifier, err)
	}
	return id, nil
}

// IsValid reports whether s parses as a canonical identifier.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string {
	return fmt.Sprintf("%013d-%02d-%s-v%d", id.CreatedAtMillis, id.InstanceID, id.UUID.String(), id.ProtocolVersion)
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ID{}
}

// WithInstanceID returns a copy of id that differs only in InstanceID.
func (id ID) WithInstanceID(instanceID int) (ID, error) {
	if err := checkInstanceID(instanceID); err != nil {
		return ID{}, err
	}
	id.InstanceID = instanceID
	return id, nil
}

// CreatedAt returns the creation timestamp as a time.Time.
func (id ID) CreatedAt() time.Time {
	return time.UnixMilli(id.CreatedAtMillis)
}

// Equal compares all four components.
func (id ID) Equal(other ID) bool {
	return id == other
}

// SameOccupant reports whether both identifiers name the same logical slot occupant:
// same UUID and instance, regardless of timestamp or protocol version.
func (id ID) SameOccupant(other ID) bool {
	return id.UUID == other.UUID && id.InstanceID == other.InstanceID
}

// Compare orders identifiers by creation time, then by their canonical string.
func (id ID) Compare(other ID) int {
	switch {
	case id.CreatedAtMillis < other.CreatedAtMillis:
		return -1
	case id.CreatedAtMillis > other.CreatedAtMillis:
		return 1
	}
	return strings.Compare(id.String(), other.String())
}

// MarshalText lets identifiers travel as plain strings in JSON payloads.
func (id ID) MarshalText() ([]byte, error) {
	if id.IsZero() {
		return []byte{}, nil
	}
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = ID{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
