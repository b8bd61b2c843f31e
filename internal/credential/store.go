package credential

import (
	"context"
	"encoding/json"

	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
)

// Store persists user records and their templates. Every mutation is atomic:
// it either fully applies or leaves the store unchanged.
type Store interface {
	// LookupCandidateTemplates returns the user's templates in enrollment
	// order. Unknown users have no candidates.
	LookupCandidateTemplates(ctx context.Context, user UserKey) ([]palm.Template, error)
	PersistTemplate(ctx context.Context, user UserKey, factor Factor, t palm.Template) error
	RemoveTemplate(ctx context.Context, id palm.TemplateID) error

	ListUsers(ctx context.Context) ([]UserRecord, error)
	User(ctx context.Context, key UserKey) (UserRecord, error)
	CreateUser(ctx context.Context, username string, uniqueID *string) (UserRecord, error)
	RemoveUser(ctx context.Context, key UserKey) error
	// Unregister wipes every factor, template and metadata blob of the user.
	// Non-default records are deleted; the default record is left empty.
	Unregister(ctx context.Context, key UserKey) error
	RegisteredFactors(ctx context.Context, key UserKey) (FactorSet, error)

	SetMetadata(ctx context.Context, key UserKey, metadata []byte) error
	SetPasscode(ctx context.Context, key UserKey, passcode string) error
	VerifyPasscode(ctx context.Context, key UserKey, passcode string) (bool, error)

	// RemoveAllData deletes every record and recreates the empty default user.
	RemoveAllData(ctx context.Context) error
}

// Lifecycle is implemented by stores that need explicit setup and teardown.
type Lifecycle interface {
	Init(ctx context.Context) error
	Close() error
}

// EncodeMetadata serializes key-value metadata into the opaque blob format
// used by the HTTP and CLI surfaces.
func EncodeMetadata(values map[string]string) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	blob, err := json.Marshal(values)
	if err != nil {
		return nil, palmerr.Wrap(palmerr.KindSerialization, "encode metadata", err)
	}
	return blob, nil
}

// DecodeMetadata is the inverse of EncodeMetadata.
func DecodeMetadata(blob []byte) (map[string]string, error) {
	values := map[string]string{}
	if len(blob) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(blob, &values); err != nil {
		return nil, palmerr.Wrap(palmerr.KindIncorrectInputData, "decode metadata", err)
	}
	return values, nil
}

// ValidateTemplate checks the invariants every store enforces before writing.
func ValidateTemplate(factor Factor, t palm.Template) error {
	if !factor.IsPalm() {
		return palmerr.Newf(palmerr.KindInvalidArgument, "factor %s does not take templates", factor)
	}
	if t.ID == "" {
		return palmerr.New(palmerr.KindInvalidArgument, "template id is required")
	}
	if len(t.Payload) == 0 {
		return palmerr.New(palmerr.KindInvalidModel, "template payload is empty")
	}
	return nil
}

func validateUsername(username string) error {
	if username == "" {
		return palmerr.New(palmerr.KindInvalidArgument, "username is required")
	}
	return nil
}
