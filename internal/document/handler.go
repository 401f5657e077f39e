package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"naskahsync/internal/document/model"
	"naskahsync/internal/document/service"
	"naskahsync/internal/lock"
	"naskahsync/internal/version"
	"naskahsync/middleware"
	"naskahsync/pkg/logger"

	"github.com/gorilla/mux"
)

type DocumentHandler struct {
	Service *service.DocumentService
}

func NewDocumentHandler(service *service.DocumentService) *DocumentHandler {
	return &DocumentHandler{Service: service}
}

// Register mounts the document, section, lease and version routes, each
// wrapped with auth.
func (h *DocumentHandler) Register(r *mux.Router, auth func(http.Handler) http.Handler) {
	handle := func(path string, fn http.HandlerFunc, methods ...string) {
		r.Handle(path, auth(fn)).Methods(methods...)
	}

	handle("/api/documents/create", h.CreateDocument, http.MethodPost)
	handle("/api/documents/save", h.SaveDocument, http.MethodPost)
	handle("/api/documents/delete", h.DeleteDocument, http.MethodDelete)
	handle("/api/documents/update", h.UpdateDocument, http.MethodPut)
	handle("/api/documents/sections", h.CreateSection, http.MethodPost)
	handle("/api/documents/versions", h.CreateVersion, http.MethodPost)
	handle("/api/documents/versions/rollback", h.Rollback, http.MethodPost)
	handle("/api/documents", h.GetDocuments, http.MethodGet)
	handle("/api/documents/{docId}", h.GetDocument, http.MethodGet)
	handle("/api/documents/{docId}/sections", h.ListSections, http.MethodGet)
	handle("/api/documents/{docId}/versions", h.ListVersions, http.MethodGet)

	handle("/api/sections/{sectionId}", h.UpdateSection, http.MethodPatch)

	handle("/api/leases/acquire", h.AcquireLease, http.MethodPost)
	handle("/api/leases/renew", h.RenewLease, http.MethodPost)
	handle("/api/leases/release", h.ReleaseLease, http.MethodPost)
	handle("/api/leases", h.GetLease, http.MethodGet)

	handle("/api/versions/compare", h.CompareVersions, http.MethodGet)
	handle("/api/versions/{versionId}", h.GetVersion, http.MethodGet)
}

func userIDFrom(r *http.Request) string {
	userID, _ := r.Context().Value(middleware.UserIDKey).(string)
	return userID
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Sugar.Warnf("Failed to write response: %v", err)
	}
}

// writeError maps service errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound), errors.Is(err, version.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrUnauthorized):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, model.ErrInvalidStatus), errors.Is(err, version.ErrVersionMismatch),
		errors.Is(err, lock.ErrEmptySection), errors.Is(err, lock.ErrEmptyHolder):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r)

	var req model.CreateDocRequest
	_ = json.NewDecoder(r.Body).Decode(&req) // Ignore error, default to empty

	docID, err := h.Service.CreateDocument(r.Context(), userID, req.Title)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to create document: %v", err)
		http.Error(w, "Failed to create document", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, model.CreateDocResponse{DocID: docID})
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.Service.GetDocument(r.Context(), mux.Vars(r)["docId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	var req model.SaveDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Content.IsZero() {
		http.Error(w, "Content cannot be empty", http.StatusBadRequest)
		return
	}

	resp, err := h.Service.SaveDocument(r.Context(), userIDFrom(r), req)
	if err != nil {
		logger.Sugar.Errorf("Error saving document %s: %v", req.DocID, err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	if err := h.Service.DeleteDocument(r.Context(), docID, userIDFrom(r)); err != nil {
		logger.Sugar.Errorf("Handler: Failed to delete document %s: %v", docID, err)
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document deleted successfully"))
}

func (h *DocumentHandler) UpdateDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	var req model.UpdateDocRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Service.UpdateTitle(r.Context(), docID, userIDFrom(r), req.Title); err != nil {
		logger.Sugar.Errorf("Handler: Failed to update title for doc %s: %v", docID, err)
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Document updated successfully"))
}

func (h *DocumentHandler) GetDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.Service.GetDocuments(r.Context(), userIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *DocumentHandler) ListSections(w http.ResponseWriter, r *http.Request) {
	sections, err := h.Service.ListSections(r.Context(), mux.Vars(r)["docId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sections)
}

func (h *DocumentHandler) CreateSection(w http.ResponseWriter, r *http.Request) {
	var req model.CreateSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	section, err := h.Service.CreateSection(r.Context(), userIDFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, section)
}

func (h *DocumentHandler) UpdateSection(w http.ResponseWriter, r *http.Request) {
	var req model.UpdateSectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	section, err := h.Service.UpdateSection(r.Context(), userIDFrom(r), mux.Vars(r)["sectionId"], req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, section)
}

// AcquireLease answers 200 both when the lock is granted and when it is
// contended; the body's ok field tells them apart.
func (h *DocumentHandler) AcquireLease(w http.ResponseWriter, r *http.Request) {
	var req model.AcquireLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.Service.AcquireLease(r.Context(), userIDFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) RenewLease(w http.ResponseWriter, r *http.Request) {
	var req model.RenewLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeaseID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	ok, err := h.Service.RenewLease(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.RenewLeaseResponse{OK: ok})
}

func (h *DocumentHandler) ReleaseLease(w http.ResponseWriter, r *http.Request) {
	var req model.ReleaseLeaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LeaseID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.Service.ReleaseLease(r.Context(), req); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetLease returns the live lease for ?sectionId=, or null.
func (h *DocumentHandler) GetLease(w http.ResponseWriter, r *http.Request) {
	sectionID := r.URL.Query().Get("sectionId")
	if sectionID == "" {
		http.Error(w, "Missing sectionId parameter", http.StatusBadRequest)
		return
	}

	l, err := h.Service.GetLease(r.Context(), sectionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (h *DocumentHandler) CreateVersion(w http.ResponseWriter, r *http.Request) {
	var req model.CreateVersionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	v, err := h.Service.CreateVersion(r.Context(), userIDFrom(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (h *DocumentHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	var req model.RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocID == "" || req.VersionID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.Service.Rollback(r.Context(), userIDFrom(r), req)
	if err != nil {
		logger.Sugar.Errorf("Handler: Failed to roll back doc %s to %s: %v", req.DocID, req.VersionID, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *DocumentHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := h.Service.ListVersions(r.Context(), mux.Vars(r)["docId"])
	if err != nil {
		writeError(w, err)
		return
	}
	if versions == nil {
		versions = []version.Version{}
	}
	writeJSON(w, http.StatusOK, versions)
}

func (h *DocumentHandler) GetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := h.Service.GetVersion(r.Context(), mux.Vars(r)["versionId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *DocumentHandler) CompareVersions(w http.ResponseWriter, r *http.Request) {
	from, to := r.URL.Query().Get("from"), r.URL.Query().Get("to")
	if from == "" || to == "" {
		http.Error(w, "Missing from or to parameter", http.StatusBadRequest)
		return
	}

	cmp, err := h.Service.CompareVersions(r.Context(), from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}
