// Package access decides whether a bearer of a credential may join a
// document's collaboration room, and with which capability.
package access

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"collab-server/auth"
	"collab-server/core"

	"github.com/sirupsen/logrus"
)

type Principal struct {
	ID         string
	Capability core.Capability
}

type Verifier struct {
	tokens auth.TokenVerifier
	grants core.GrantStore
}

func NewVerifier(tokens auth.TokenVerifier, grants core.GrantStore) *Verifier {
	return &Verifier{tokens: tokens, grants: grants}
}

// Verify returns the principal the access token was issued to. Every failure
// is reported as core.ErrUnauthenticated so callers can offer a refresh.
func (v *Verifier) Verify(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: empty token", core.ErrUnauthenticated)
	}

	principalID, err := v.tokens.Verify(ctx, token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrUnauthenticated, err)
	}
	return principalID, nil
}

// Authorize resolves the capability principalID holds on documentID. A
// principal without a grant, or a document that does not exist, yields
// core.ErrForbidden; storage failures are returned as core.ErrStorage.
func (v *Verifier) Authorize(ctx context.Context, principalID, documentID string) (core.Capability, error) {
	capability, err := v.grants.Capability(ctx, documentID, principalID)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrForbidden), errors.Is(err, core.ErrDocumentNotFound):
		return "", fmt.Errorf("%w: %s has no grant on %s", core.ErrForbidden, principalID, documentID)
	default:
		return "", fmt.Errorf("%w: resolve grant: %v", core.ErrStorage, err)
	}

	if !capability.Valid() {
		logrus.WithFields(logrus.Fields{
			"document_id":  documentID,
			"principal_id": principalID,
			"capability":   capability,
		}).Warn("Stored grant has an unknown capability")
		return "", fmt.Errorf("%w: unknown capability %q", core.ErrForbidden, capability)
	}
	return capability, nil
}

// Admit runs Verify and Authorize in sequence.
func (v *Verifier) Admit(ctx context.Context, token, documentID string) (Principal, error) {
	principalID, err := v.Verify(ctx, token)
	if err != nil {
		return Principal{}, err
	}
	capability, err := v.Authorize(ctx, principalID, documentID)
	if err != nil {
		return Principal{}, err
	}
	return Principal{ID: principalID, Capability: capability}, nil
}
