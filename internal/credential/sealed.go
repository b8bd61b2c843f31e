package credential

import (
	"context"

	"github.com/example/palmid/internal/palm"
)

// Sealer is the secure-storage capability used to protect payloads at rest.
// secure.AEAD implements it.
type Sealer interface {
	Seal(plaintext, aad []byte) ([]byte, error)
	Open(sealed, aad []byte) ([]byte, error)
}

// SealedStore seals template payloads and metadata before they reach the
// wrapped store and opens them on the way out. Payloads are bound to their
// template id and metadata to its user key, so blobs cannot be swapped between
// records. A sealing failure aborts the write before anything is stored.
type SealedStore struct {
	Store
	sealer Sealer
}

// NewSealedStore wraps inner.
func NewSealedStore(inner Store, sealer Sealer) *SealedStore {
	return &SealedStore{Store: inner, sealer: sealer}
}

// Init forwards to the wrapped store when it has a lifecycle.
func (s *SealedStore) Init(ctx context.Context) error {
	if lc, ok := s.Store.(Lifecycle); ok {
		return lc.Init(ctx)
	}
	return nil
}

// Close forwards to the wrapped store when it has a lifecycle.
func (s *SealedStore) Close() error {
	if lc, ok := s.Store.(Lifecycle); ok {
		return lc.Close()
	}
	return nil
}

func (s *SealedStore) LookupCandidateTemplates(ctx context.Context, user UserKey) ([]palm.Template, error) {
	sealed, err := s.Store.LookupCandidateTemplates(ctx, user)
	if err != nil {
		return nil, err
	}
	out := make([]palm.Template, 0, len(sealed))
	for _, t := range sealed {
		opened, err := s.openTemplate(t)
		if err != nil {
			return nil, err
		}
		out = append(out, opened)
	}
	return out, nil
}

func (s *SealedStore) PersistTemplate(ctx context.Context, user UserKey, factor Factor, t palm.Template) error {
	if err := ValidateTemplate(factor, t); err != nil {
		return err
	}
	payload, err := s.sealer.Seal(t.Payload, []byte(t.ID))
	if err != nil {
		return err
	}
	return s.Store.PersistTemplate(ctx, user, factor, palm.Template{ID: t.ID, Payload: payload})
}

func (s *SealedStore) ListUsers(ctx context.Context) ([]UserRecord, error) {
	users, err := s.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range users {
		if users[i], err = s.openRecord(users[i]); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *SealedStore) User(ctx context.Context, key UserKey) (UserRecord, error) {
	rec, err := s.Store.User(ctx, key)
	if err != nil {
		return UserRecord{}, err
	}
	return s.openRecord(rec)
}

func (s *SealedStore) CreateUser(ctx context.Context, username string, uniqueID *string) (UserRecord, error) {
	rec, err := s.Store.CreateUser(ctx, username, uniqueID)
	if err != nil {
		return UserRecord{}, err
	}
	return s.openRecord(rec)
}

func (s *SealedStore) SetMetadata(ctx context.Context, key UserKey, metadata []byte) error {
	if len(metadata) == 0 {
		return s.Store.SetMetadata(ctx, key, nil)
	}
	sealed, err := s.sealer.Seal(metadata, []byte(key))
	if err != nil {
		return err
	}
	return s.Store.SetMetadata(ctx, key, sealed)
}

func (s *SealedStore) openTemplate(t palm.Template) (palm.Template, error) {
	payload, err := s.sealer.Open(t.Payload, []byte(t.ID))
	if err != nil {
		return palm.Template{}, err
	}
	return palm.Template{ID: t.ID, Payload: payload}, nil
}

func (s *SealedStore) openRecord(rec UserRecord) (UserRecord, error) {
	for i, et := range rec.Templates {
		opened, err := s.openTemplate(et.Template)
		if err != nil {
			return UserRecord{}, err
		}
		rec.Templates[i].Template = opened
	}
	if len(rec.Metadata) > 0 {
		meta, err := s.sealer.Open(rec.Metadata, []byte(rec.Key))
		if err != nil {
			return UserRecord{}, err
		}
		rec.Metadata = meta
	}
	return rec, nil
}

var (
	_ Store     = (*SealedStore)(nil)
	_ Lifecycle = (*SealedStore)(nil)
	_ Store     = (*MemoryStore)(nil)
	_ Lifecycle = (*MemoryStore)(nil)
)
