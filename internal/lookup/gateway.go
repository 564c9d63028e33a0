// Package lookup wraps the external identity lookup the scan service meters,
// and the static membership sets used to annotate lookup results.
package lookup

import (
	"context"
	"errors"
)

// Lookup failure classes. Gateway implementations wrap one of these.
var (
	ErrSubjectNotFound = errors.New("subject not found")
	ErrTransient       = errors.New("lookup temporarily unavailable")
)

// Subject is the identity returned by a lookup.
type Subject struct {
	DisplayName   string `json:"display_name"`
	Discriminator string `json:"discriminator"`
	AvatarRef     string `json:"avatar_ref,omitempty"`
	RawID         string `json:"raw_id"`
}

// Gateway resolves a subject ID against the identity provider. It may block
// on network I/O and fails independently of any key state.
type Gateway interface {
	Lookup(ctx context.Context, subjectID string) (*Subject, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, subjectID string) (*Subject, error)

// Lookup calls f.
func (f GatewayFunc) Lookup(ctx context.Context, subjectID string) (*Subject, error) {
	return f(ctx, subjectID)
}
