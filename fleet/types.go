package fleet

import (
	"fmt"
	"strings"

	"fleet-registry/errs"
	"fleet-registry/identifier"
)

// Role is the closed set of process kinds the registry tracks. It is resolved once, when an
// entity registers.
type Role string

const (
	RoleServer Role = "server"
	RoleProxy  Role = "proxy"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleServer:
		return RoleServer, nil
	case RoleProxy:
		return RoleProxy, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", errs.ErrInvalidArgument, s)
}

// Routable reports whether players can be assigned to entities of this role.
func (r Role) Routable() bool {
	return r == RoleServer
}

type Status string

const (
	StatusAvailable   Status = "AVAILABLE"
	StatusUnavailable Status = "UNAVAILABLE"
	StatusDead        Status = "DEAD"
)

// Entity is a registered server or proxy. Status and the *Since fields are derived from the
// keyspace the record lives in.
type Entity struct {
	ID                     identifier.ID `json:"id"`
	Role                   Role          `json:"role"`
	Family                 string        `json:"family,omitempty"`
	Address                string        `json:"address"`
	Port                   int           `json:"port"`
	Capacity               int           `json:"capacity"`
	PlayerCount            int           `json:"playerCount"`
	TPS                    float64       `json:"tps,omitempty"`
	Status                 Status        `json:"status"`
	LastHeartbeatMillis    int64         `json:"lastHeartbeatMillis"`
	RegisteredAtMillis     int64         `json:"registeredAtMillis"`
	UnavailableSinceMillis int64         `json:"unavailableSinceMillis,omitempty"`
	DeadSinceMillis        int64         `json:"deadSinceMillis,omitempty"`
}

// FreeCapacity is capacity not taken by connected players. It never goes negative.
func (e Entity) FreeCapacity() int {
	if free := e.Capacity - e.PlayerCount; free > 0 {
		return free
	}
	return 0
}

func (e Entity) validate() error {
	if e.ID.IsZero() {
		return fmt.Errorf("%w: entity id", identifier.ErrNullField)
	}
	if _, err := ParseRole(string(e.Role)); err != nil {
		return err
	}
	if e.Role == RoleServer && strings.TrimSpace(e.Family) == "" {
		return fmt.Errorf("%w: server %s has no family", errs.ErrInvalidArgument, e.ID)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d", errs.ErrInvalidArgument, e.Port)
	}
	if e.Capacity < 0 || e.PlayerCount < 0 {
		return fmt.Errorf("%w: negative capacity or player count", errs.ErrInvalidArgument)
	}
	return nil
}

// Transitions lists entities moved by one liveness evaluation.
type Transitions struct {
	Demoted []Entity
	Killed  []Entity
}
