package core

import "fmt"

// Scope identifies which agent or entity a memory entry belongs to.
// Together with a key it forms the identity (owner_type, owner_id, key).
type Scope struct {
	OwnerType string `json:"owner_type" yaml:"owner_type"`
	OwnerID   string `json:"owner_id" yaml:"owner_id"`
}

// NewScope builds a scope from its two parts.
func NewScope(ownerType, ownerID string) Scope {
	return Scope{OwnerType: ownerType, OwnerID: ownerID}
}

// Validate reports whether the scope forms a well-formed identity prefix.
func (s Scope) Validate() error {
	if s.OwnerType == "" || s.OwnerID == "" {
		return fmt.Errorf("%w: owner_type and owner_id must be non-empty", ErrInvalidScope)
	}
	return nil
}

// Matches reports whether the entry scope falls inside this scope filter.
// An empty OwnerID matches every owner of the same type.
func (s Scope) Matches(other Scope) bool {
	if s.OwnerType != "" && s.OwnerType != other.OwnerType {
		return false
	}
	if s.OwnerID != "" && s.OwnerID != other.OwnerID {
		return false
	}
	return true
}

func (s Scope) String() string {
	return s.OwnerType + "/" + s.OwnerID
}
