package documents

import (
	"collab-server/core"
	"collab-server/middleware"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type (
	CreateDocumentResponse struct {
		ID string `json:"id"`
	}

	PutCollaboratorRequest struct {
		Capability core.Capability `json:"capability"`
	}

	Authorizer interface {
		Authorize(ctx context.Context, principalID, documentID string) (core.Capability, error)
	}
)

func principal(w http.ResponseWriter, r *http.Request) (string, bool) {
	principalID, ok := middleware.PrincipalFrom(r.Context())
	if !ok {
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, map[string]string{"error": "Principal not found"})
	}
	return principalID, ok
}

// authorize writes the error response and returns false when principalID
// lacks access to documentID.
func authorize(w http.ResponseWriter, r *http.Request, authorizer Authorizer, principalID, documentID string) (core.Capability, bool) {
	capability, err := authorizer.Authorize(r.Context(), principalID, documentID)
	switch {
	case err == nil:
		return capability, true
	case errors.Is(err, core.ErrForbidden):
		render.Status(r, http.StatusForbidden)
		render.JSON(w, r, map[string]string{"error": "Access denied"})
	default:
		logrus.WithFields(logrus.Fields{
			"error":        err,
			"document_id":  documentID,
			"principal_id": principalID,
		}).Error("Failed to resolve capability")
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, map[string]string{"error": "Failed to resolve access"})
	}
	return "", false
}

// HandleCreate creates a document owned by the caller.
func HandleCreate(store core.GrantStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := principal(w, r)
		if !ok {
			return
		}

		id, err := store.CreateDocument(r.Context(), principalID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":        err,
				"principal_id": principalID,
			}).Error("Failed to create document")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to create document"})
			return
		}

		render.Status(r, http.StatusCreated)
		render.JSON(w, r, CreateDocumentResponse{ID: id})
	}
}

// HandleGetSnapshot returns the last persisted replica state. Any capability
// may read it; a never-saved document answers 204.
func HandleGetSnapshot(authorizer Authorizer, store core.SnapshotStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := principal(w, r)
		if !ok {
			return
		}
		documentID := chi.URLParam(r, "id")
		if _, ok := authorize(w, r, authorizer, principalID, documentID); !ok {
			return
		}

		snapshot, err := store.LoadSnapshot(r.Context(), documentID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"error":       err,
				"document_id": documentID,
			}).Error("Failed to load snapshot")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to load snapshot"})
			return
		}
		if snapshot == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(snapshot)
	}
}

// HandlePutCollaborator grants or changes a collaborator's capability. Only
// the owner may do this.
func HandlePutCollaborator(authorizer Authorizer, store core.GrantStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principalID, ok := principal(w, r)
		if !ok {
			return
		}
		documentID := chi.URLParam(r, "id")
		capability, ok := authorize(w, r, authorizer, principalID, documentID)
		if !ok {
			return
		}
		if capability != core.CapabilityOwner {
			render.Status(r, http.StatusForbidden)
			render.JSON(w, r, map[string]string{"error": "Only the owner can manage collaborators"})
			return
		}

		var req PutCollaboratorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, map[string]string{"error": "Invalid request body"})
			return
		}

		grant := core.Grant{
			DocumentID:  documentID,
			PrincipalID: chi.URLParam(r, "principalId"),
			Capability:  req.Capability,
		}
		if err := store.PutGrant(r.Context(), grant); err != nil {
			if errors.Is(err, core.ErrInvalidGrant) {
				render.Status(r, http.StatusBadRequest)
				render.JSON(w, r, map[string]string{"error": err.Error()})
				return
			}
			logrus.WithFields(logrus.Fields{
				"error":        err,
				"document_id":  documentID,
				"principal_id": grant.PrincipalID,
			}).Error("Failed to save grant")
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, map[string]string{"error": "Failed to save collaborator"})
			return
		}

		logrus.WithFields(logrus.Fields{
			"document_id":  documentID,
			"principal_id": grant.PrincipalID,
			"capability":   grant.Capability,
		}).Info("Collaborator updated")
		render.JSON(w, r, grant)
	}
}
