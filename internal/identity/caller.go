// Package identity models who is calling the API and how bearer tokens are
// turned into a caller.
package identity

import (
	"strings"

	"github.com/google/uuid"
)

// MetadataKey is the checkout session metadata key that carries the caller id
// across the payment hop.
const MetadataKey = "userId"

// anonymousValue is what the front-end and older sessions write into
// metadata when nobody is signed in.
const anonymousValue = "anonymous"

// Caller is either an identified user or anonymous. The zero value is
// anonymous.
type Caller struct {
	id    string
	email string
}

// Anonymous returns a caller with no identity.
func Anonymous() Caller {
	return Caller{}
}

// Identified returns a caller bound to the auth provider's user id.
func Identified(id, email string) Caller {
	id = strings.TrimSpace(id)
	if id == "" {
		return Caller{}
	}
	return Caller{id: id, email: strings.TrimSpace(email)}
}

// ID returns the caller id and whether the caller is identified.
func (c Caller) ID() (string, bool) {
	return c.id, c.id != ""
}

// IsAnonymous reports whether the caller carries no identity.
func (c Caller) IsAnonymous() bool {
	return c.id == ""
}

// Email returns the email known for the caller, if any.
func (c Caller) Email() string {
	return c.email
}

// MetadataValue is the string stored under MetadataKey on a checkout session.
func (c Caller) MetadataValue() string {
	if c.IsAnonymous() {
		return anonymousValue
	}
	return c.id
}

func (c Caller) String() string {
	if c.IsAnonymous() {
		return "anonymous"
	}
	return "user:" + c.id
}

// FromMetadata recovers the caller embedded in checkout session metadata.
// Missing values, the anonymous marker and ids that are not UUIDs all map to
// Anonymous, since none of them can name a profile row.
func FromMetadata(metadata map[string]string, email string) Caller {
	raw := strings.TrimSpace(metadata[MetadataKey])
	if raw == "" || strings.EqualFold(raw, anonymousValue) {
		return Anonymous()
	}
	if _, err := uuid.Parse(raw); err != nil {
		return Anonymous()
	}
	return Identified(raw, email)
}
