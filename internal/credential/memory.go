package credential

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/palmid/internal/palm"
	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/secure"
)

type memoryUser struct {
	record   UserRecord
	passcode []byte
}

// MemoryStore keeps records in process memory. It backs tests and the daemon
// when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[UserKey]*memoryUser
	order   []UserKey
	owners  map[palm.TemplateID]UserKey
	retired map[palm.TemplateID]struct{}
	now     func() time.Time
}

// NewMemoryStore returns a store holding only the default user.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{now: time.Now}
	s.reset()
	return s
}

func (s *MemoryStore) reset() {
	s.users = map[UserKey]*memoryUser{}
	s.order = nil
	s.owners = map[palm.TemplateID]UserKey{}
	if s.retired == nil {
		s.retired = map[palm.TemplateID]struct{}{}
	}
	s.add(&memoryUser{record: UserRecord{Key: DefaultUserKey, Username: string(DefaultUserKey), CreatedAt: s.now()}})
}

func (s *MemoryStore) add(u *memoryUser) {
	s.users[u.record.Key] = u
	s.order = append(s.order, u.record.Key)
}

func (s *MemoryStore) lookup(key UserKey) (*memoryUser, error) {
	u, ok := s.users[key]
	if !ok {
		return nil, palmerr.Newf(palmerr.KindNotFound, "user %s not found", key)
	}
	return u, nil
}

// Init implements Lifecycle.
func (s *MemoryStore) Init(ctx context.Context) error { return ctx.Err() }

// Close implements Lifecycle.
func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) LookupCandidateTemplates(ctx context.Context, user UserKey) ([]palm.Template, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[user]
	if !ok {
		return []palm.Template{}, nil
	}
	out := make([]palm.Template, 0, len(u.record.Templates))
	for _, et := range u.record.Templates {
		out = append(out, et.Template.Clone())
	}
	return out, nil
}

func (s *MemoryStore) PersistTemplate(ctx context.Context, user UserKey, factor Factor, t palm.Template) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateTemplate(factor, t); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(user)
	if err != nil {
		return err
	}
	if _, taken := s.owners[t.ID]; taken {
		return palmerr.Newf(palmerr.KindInvalidArgument, "template %s already persisted", t.ID)
	}
	if _, gone := s.retired[t.ID]; gone {
		return palmerr.Newf(palmerr.KindInvalidArgument, "template %s was removed and cannot be reused", t.ID)
	}
	u.record.Templates = append(u.record.Templates, EnrolledTemplate{Template: t.Clone(), Factor: factor, CreatedAt: s.now()})
	u.record.Factors = u.record.Factors.With(factor)
	s.owners[t.ID] = user
	return nil
}

func (s *MemoryStore) RemoveTemplate(ctx context.Context, id palm.TemplateID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.owners[id]
	if !ok {
		return palmerr.Newf(palmerr.KindNotFound, "template %s not found", id)
	}
	u := s.users[key]
	kept := u.record.Templates[:0]
	for _, et := range u.record.Templates {
		if et.Template.ID != id {
			kept = append(kept, et)
		}
	}
	u.record.Templates = kept
	u.record.Factors = palmFactors(kept, u.record.Factors)
	delete(s.owners, id)
	s.retired[id] = struct{}{}
	return nil
}

// palmFactors recomputes the palm factors from the remaining templates and
// keeps non-palm factors of prev.
func palmFactors(templates []EnrolledTemplate, prev FactorSet) FactorSet {
	out := prev.Without(LeftPalm).Without(RightPalm)
	for _, et := range templates {
		out = out.With(et.Factor)
	}
	return out
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserRecord, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.users[key].record.clone())
	}
	return out, nil
}

func (s *MemoryStore) User(ctx context.Context, key UserKey) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, err := s.lookup(key)
	if err != nil {
		return UserRecord{}, err
	}
	return u.record.clone(), nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, username string, uniqueID *string) (UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return UserRecord{}, err
	}
	if err := validateUsername(username); err != nil {
		return UserRecord{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if uniqueID != nil {
		for _, u := range s.users {
			if u.record.UniqueID != nil && *u.record.UniqueID == *uniqueID {
				return UserRecord{}, palmerr.Newf(palmerr.KindUserAlreadyExists, "user with unique id %q already exists", *uniqueID)
			}
		}
	}
	rec := UserRecord{Key: UserKey(uuid.NewString()), Username: username, CreatedAt: s.now()}
	if uniqueID != nil {
		uid := *uniqueID
		rec.UniqueID = &uid
	}
	s.add(&memoryUser{record: rec})
	return rec.clone(), nil
}

func (s *MemoryStore) RemoveUser(ctx context.Context, key UserKey) error {
	if key == DefaultUserKey {
		return palmerr.New(palmerr.KindInvalidArgument, "the default user cannot be removed, unregister it instead")
	}
	return s.Unregister(ctx, key)
}

func (s *MemoryStore) Unregister(ctx context.Context, key UserKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(key)
	if err != nil {
		return err
	}
	for _, et := range u.record.Templates {
		delete(s.owners, et.Template.ID)
		s.retired[et.Template.ID] = struct{}{}
	}
	if key == DefaultUserKey {
		u.record.Templates = nil
		u.record.Factors = FactorSet{}
		u.record.Metadata = nil
		u.passcode = nil
		return nil
	}
	delete(s.users, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) RegisteredFactors(ctx context.Context, key UserKey) (FactorSet, error) {
	rec, err := s.User(ctx, key)
	if err != nil {
		return FactorSet{}, err
	}
	return rec.Factors, nil
}

func (s *MemoryStore) SetMetadata(ctx context.Context, key UserKey, metadata []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(key)
	if err != nil {
		return err
	}
	u.record.Metadata = append([]byte(nil), metadata...)
	return nil
}

func (s *MemoryStore) SetPasscode(ctx context.Context, key UserKey, passcode string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	hash, err := secure.HashPasscode(passcode)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.lookup(key)
	if err != nil {
		return err
	}
	u.passcode = hash
	u.record.Factors = u.record.Factors.With(Passcode)
	return nil
}

func (s *MemoryStore) VerifyPasscode(ctx context.Context, key UserKey, passcode string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, err := s.lookup(key)
	if err != nil {
		return false, err
	}
	if len(u.passcode) == 0 {
		return false, palmerr.Newf(palmerr.KindNotFound, "user %s has no passcode", key)
	}
	return secure.ComparePasscode(u.passcode, passcode), nil
}

func (s *MemoryStore) RemoveAllData(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.owners {
		s.retired[id] = struct{}{}
	}
	s.reset()
	return nil
}
