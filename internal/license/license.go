// Package license validates the session context a decoder needs before it can
// process frames.
package license

import (
	"context"
	"strings"
	"time"

	"github.com/example/palmid/internal/credential"
	"github.com/example/palmid/internal/palmerr"
)

// Request is the session configuration submitted for validation.
type Request struct {
	LicenseID string
	// ServerURL is optional. Validators that talk to a licensing server use
	// it as the target.
	ServerURL  string
	AuthMethod credential.AuthMethod
}

// Grant is a successful validation.
type Grant struct {
	LicenseID string
	ExpiresAt time.Time
	Message   string
}

// Validator exposes the subset of licensing used by the decoder. Failures are
// classified as KindInvalidLicense or KindServerConnection.
type Validator interface {
	Validate(ctx context.Context, req Request) (*Grant, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, req Request) (*Grant, error)

func (f ValidatorFunc) Validate(ctx context.Context, req Request) (*Grant, error) {
	return f(ctx, req)
}

// CheckRequest rejects requests no validator could accept.
func CheckRequest(req Request) error {
	if strings.TrimSpace(req.LicenseID) == "" {
		return palmerr.New(palmerr.KindInvalidLicense, "license id is required")
	}
	if strings.ContainsAny(req.LicenseID, " \t\r\n") {
		return palmerr.New(palmerr.KindInvalidLicense, "license id must not contain whitespace")
	}
	return nil
}

// Offline validates license ids against a local allow list. An empty list
// accepts every well formed id.
type Offline struct {
	allowed map[string]struct{}
}

// NewOffline returns a validator accepting ids.
func NewOffline(ids ...string) *Offline {
	o := &Offline{allowed: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		o.allowed[id] = struct{}{}
	}
	return o
}

func (o *Offline) Validate(ctx context.Context, req Request) (*Grant, error) {
	if err := ctx.Err(); err != nil {
		return nil, palmerr.Wrap(palmerr.KindServerConnection, "validate license", err)
	}
	if err := CheckRequest(req); err != nil {
		return nil, err
	}
	if len(o.allowed) > 0 {
		if _, ok := o.allowed[req.LicenseID]; !ok {
			return nil, palmerr.Newf(palmerr.KindInvalidLicense, "license %q is not recognised", req.LicenseID)
		}
	}
	return &Grant{LicenseID: req.LicenseID, Message: "validated offline"}, nil
}
