package credential

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/example/palmid/internal/palmerr"
	"github.com/example/palmid/internal/secure"
)

type failingSealer struct{}

func (failingSealer) Seal([]byte, []byte) ([]byte, error) {
	return nil, palmerr.New(palmerr.KindCryptoSecureAPI, "keystore unavailable")
}

func (failingSealer) Open([]byte, []byte) ([]byte, error) {
	return nil, palmerr.New(palmerr.KindCryptoSecureAPI, "keystore unavailable")
}

func newSealed(t *testing.T) (*SealedStore, *MemoryStore) {
	t.Helper()
	hexKey, err := secure.GenerateKey()
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	key, _ := secure.ParseKey(hexKey)
	aead, err := secure.NewAEAD(key)
	if err != nil {
		t.Fatalf("aead: %v", err)
	}
	inner := NewMemoryStore()
	return NewSealedStore(inner, aead), inner
}

func TestSealedStoreKeepsPayloadsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	s, inner := newSealed(t)

	if err := s.PersistTemplate(ctx, DefaultUserKey, LeftPalm, tpl("t1")); err != nil {
		t.Fatalf("persist: %v", err)
	}
	raw, _ := inner.LookupCandidateTemplates(ctx, DefaultUserKey)
	if len(raw) != 1 || bytes.Equal(raw[0].Payload, tpl("t1").Payload) {
		t.Fatal("expected the inner store to hold a sealed payload")
	}

	opened, err := s.LookupCandidateTemplates(ctx, DefaultUserKey)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !bytes.Equal(opened[0].Payload, tpl("t1").Payload) {
		t.Fatalf("unexpected payload %q", opened[0].Payload)
	}

	if err := s.SetMetadata(ctx, DefaultUserKey, []byte(`{"a":"b"}`)); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	innerRec, _ := inner.User(ctx, DefaultUserKey)
	if bytes.Contains(innerRec.Metadata, []byte(`"a"`)) {
		t.Fatal("metadata leaked in clear")
	}
	rec, err := s.User(ctx, DefaultUserKey)
	if err != nil {
		t.Fatalf("user: %v", err)
	}
	if string(rec.Metadata) != `{"a":"b"}` {
		t.Fatalf("unexpected metadata %q", rec.Metadata)
	}
	tmpl, ok := rec.Template("t1")
	if !ok || !bytes.Equal(tmpl.Payload, tpl("t1").Payload) {
		t.Fatal("expected record templates to be opened")
	}
}

func TestSealedStoreAbortsWriteOnCryptoFailure(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	s := NewSealedStore(inner, failingSealer{})

	err := s.PersistTemplate(ctx, DefaultUserKey, LeftPalm, tpl("t1"))
	if !errors.Is(err, palmerr.ErrCryptoSecureAPI) {
		t.Fatalf("expected secure api error, got %v", err)
	}
	raw, _ := inner.LookupCandidateTemplates(ctx, DefaultUserKey)
	if len(raw) != 0 {
		t.Fatal("no partial write expected")
	}
	factors, _ := inner.RegisteredFactors(ctx, DefaultUserKey)
	if !factors.Empty() {
		t.Fatalf("expected no factors, got %s", factors)
	}
}
