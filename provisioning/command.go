// Package provisioning carries slot provisioning commands from the registry to backend
// hosts. Dispatch is fire and forget: the new slot shows up later through normal
// registration, nobody waits for it.
package provisioning

import (
	"context"
	"fmt"
	"strings"

	"fleet-registry/errs"
)

var ErrMissingRequiredField = fmt.Errorf("%w: missing required field", errs.ErrInvalidArgument)

// Command asks the host identified by ServerID to start a new slot of Family.
type Command struct {
	RequestID string            `json:"requestId"`
	ServerID  string            `json:"serverId"`
	Family    string            `json:"family"`
	Variant   string            `json:"variant,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (c Command) Validate() error {
	if strings.TrimSpace(c.ServerID) == "" {
		return fmt.Errorf("%w: serverId", ErrMissingRequiredField)
	}
	if strings.TrimSpace(c.Family) == "" {
		return fmt.Errorf("%w: family", ErrMissingRequiredField)
	}
	return nil
}

type Dispatcher interface {
	Dispatch(ctx context.Context, cmd Command) error
}
