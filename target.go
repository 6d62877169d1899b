package pessimism

import (
	"fmt"
	"slices"
	"strings"
)

// DefaultResourceType is the resource type of a [Resource] made by
// [NewResource].
const DefaultResourceType = "Pessimism"

// Target is anything that can be locked.
//
// The pair (ResourceID, ResourceType) names the lock. Two Targets reporting
// the same pair contend for the same lock.
type Target interface {
	ResourceID() string
	ResourceType() string
}

// Key is the comparable identity of a [Target].
type Key struct {
	ResourceID   string
	ResourceType string
}

// KeyOf reports the Key for the Target.
func KeyOf(t Target) Key {
	return Key{ResourceID: t.ResourceID(), ResourceType: t.ResourceType()}
}

// String implements [fmt.Stringer].
//
// The format is "TYPE:ID", which [ParseKey] accepts.
func (k Key) String() string {
	return k.ResourceType + ":" + k.ResourceID
}

// Compare orders Keys by type, then id.
func (k Key) Compare(o Key) int {
	if c := strings.Compare(k.ResourceType, o.ResourceType); c != 0 {
		return c
	}
	return strings.Compare(k.ResourceID, o.ResourceID)
}

// ParseKey parses the "TYPE:ID" format produced by [Key.String].
//
// The resource id may itself contain colons.
func ParseKey(s string) (Key, error) {
	typ, id, ok := strings.Cut(s, ":")
	if !ok || typ == "" || id == "" {
		return Key{}, &Error{
			Op:      "pessimism/ParseKey",
			Kind:    ErrInvalid,
			Message: fmt.Sprintf("malformed key %q: want TYPE:ID", s),
		}
	}
	return Key{ResourceID: id, ResourceType: typ}, nil
}

// Keys reports the distinct Keys of the Targets, in sorted order.
func Keys(ts []Target) []Key {
	ks := make([]Key, len(ts))
	for i, t := range ts {
		ks[i] = KeyOf(t)
	}
	slices.SortFunc(ks, Key.Compare)
	return slices.Compact(ks)
}

// Resource is a stand-alone Target, for locking something that has no entity
// of its own.
type Resource struct {
	ID   string
	Type string
}

var _ Target = Resource{}

// NewResource returns a Resource with the [DefaultResourceType].
func NewResource(id string) Resource {
	return Resource{ID: id, Type: DefaultResourceType}
}

// ResourceID implements [Target].
func (r Resource) ResourceID() string { return r.ID }

// ResourceType implements [Target].
func (r Resource) ResourceType() string { return r.Type }

// Target reports a Target with the same identity as the Key.
func (k Key) Target() Target {
	return Resource{ID: k.ResourceID, Type: k.ResourceType}
}
