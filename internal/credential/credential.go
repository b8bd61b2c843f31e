// Package credential holds per-user credential records and the store the
// decoder reads candidate templates from and persists enrolled templates to.
package credential

import (
	"time"

	"github.com/example/palmid/internal/palm"
)

// UserKey identifies a user record inside a store.
type UserKey string

// DefaultUserKey is the well-known record used by single-user deployments. It
// always exists and is recreated empty when wiped.
const DefaultUserKey UserKey = "default"

func (k UserKey) String() string { return string(k) }

// EnrolledTemplate is a template together with the factor it was enrolled for.
type EnrolledTemplate struct {
	Template  palm.Template
	Factor    Factor
	CreatedAt time.Time
}

// UserRecord is a snapshot of a user's credentials. Mutating it does not
// change the store.
type UserRecord struct {
	Key      UserKey
	Username string
	// UniqueID is optional. When set it is unique across all records.
	UniqueID  *string
	Factors   FactorSet
	Templates []EnrolledTemplate
	// Metadata is an opaque blob owned by the caller.
	Metadata  []byte
	CreatedAt time.Time
}

// IsDefault reports whether r is the default record.
func (r UserRecord) IsDefault() bool { return r.Key == DefaultUserKey }

// IsRegistered reports whether any factor is registered for the user.
func (r UserRecord) IsRegistered() bool { return !r.Factors.Empty() }

// Template returns the template stored under id.
func (r UserRecord) Template(id palm.TemplateID) (palm.Template, bool) {
	for _, et := range r.Templates {
		if et.Template.ID == id {
			return et.Template, true
		}
	}
	return palm.Template{}, false
}

// TemplateIDs returns the record's template identifiers in enrollment order.
func (r UserRecord) TemplateIDs() []palm.TemplateID {
	ids := make([]palm.TemplateID, 0, len(r.Templates))
	for _, et := range r.Templates {
		ids = append(ids, et.Template.ID)
	}
	return ids
}

// UniqueIDValue returns the unique id or "" when unset.
func (r UserRecord) UniqueIDValue() string {
	if r.UniqueID == nil {
		return ""
	}
	return *r.UniqueID
}

func (r UserRecord) clone() UserRecord {
	out := r
	if r.UniqueID != nil {
		uid := *r.UniqueID
		out.UniqueID = &uid
	}
	out.Templates = make([]EnrolledTemplate, len(r.Templates))
	for i, et := range r.Templates {
		et.Template = et.Template.Clone()
		out.Templates[i] = et
	}
	out.Metadata = append([]byte(nil), r.Metadata...)
	return out
}
