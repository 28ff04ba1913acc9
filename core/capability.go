package core

import "fmt"

type Capability string

const (
	CapabilityOwner  Capability = "owner"
	CapabilityEditor Capability = "editor"
	CapabilityViewer Capability = "viewer"
)

func (c Capability) Valid() bool {
	switch c {
	case CapabilityOwner, CapabilityEditor, CapabilityViewer:
		return true
	default:
		return false
	}
}

// CanWrite reports whether updates from this capability are merged into a replica.
func (c Capability) CanWrite() bool {
	return c == CapabilityOwner || c == CapabilityEditor
}

func ParseCapability(value string) (Capability, error) {
	c := Capability(value)
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown capability %q", ErrInvalidGrant, value)
	}
	return c, nil
}

// ValidateGrant checks a collaborator grant against the single-owner invariant.
func ValidateGrant(grant Grant, ownerID string) error {
	if grant.DocumentID == "" || grant.PrincipalID == "" {
		return fmt.Errorf("%w: document and principal are required", ErrInvalidGrant)
	}
	if !grant.Capability.Valid() {
		return fmt.Errorf("%w: unknown capability %q", ErrInvalidGrant, grant.Capability)
	}
	if grant.Capability == CapabilityOwner {
		return fmt.Errorf("%w: a document has exactly one owner", ErrInvalidGrant)
	}
	if grant.PrincipalID == ownerID {
		return fmt.Errorf("%w: principal already owns the document", ErrInvalidGrant)
	}
	return nil
}
