package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
)

// multipartOverhead allows for form fields and boundaries around the file.
const multipartOverhead = 1 << 20

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
}

// AttachmentHandler stores and serves room attachments.
type AttachmentHandler struct {
	*Handler
}

// NewAttachmentHandler creates a new attachment handler.
func NewAttachmentHandler(base *Handler) *AttachmentHandler {
	return &AttachmentHandler{Handler: base}
}

// RegisterRoutes registers upload and fetch routes.
func (h *AttachmentHandler) RegisterRoutes(r chi.Router) {
	r.Post("/upload", h.Upload)
	r.Get("/file/{id}", h.Fetch)
}

// Upload stores a file for a room the caller participates in.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	maxBytes := h.cfg.Attachments.MaxUploadBytes
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	roomID := strings.TrimSpace(r.FormValue("room_id"))
	if roomID == "" {
		Error(w, http.StatusBadRequest, "room_id is required")
		return
	}
	member, err := h.repo.IsParticipant(r.Context(), roomID, user.ID)
	if err != nil {
		h.fail(w, r, "failed to check room membership", err)
		return
	}
	if !member {
		Error(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		h.fail(w, r, "failed to read upload", err)
		return
	}
	if len(data) == 0 {
		Error(w, http.StatusBadRequest, "file is empty")
		return
	}
	if int64(len(data)) > maxBytes {
		Error(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}

	contentType := mimetype.Detect(data).String()
	base, _, _ := strings.Cut(contentType, ";")
	if lo.Contains(h.cfg.Attachments.DeniedTypes, base) {
		Error(w, http.StatusUnsupportedMediaType, "file type not allowed")
		return
	}

	attachment := &domain.Attachment{
		RoomID:      roomID,
		SenderID:    user.ID,
		Filename:    sanitizeFilename(header.Filename),
		ContentType: contentType,
	}
	if err := h.repo.SaveAttachment(r.Context(), attachment, data); err != nil {
		h.fail(w, r, "failed to store attachment", err)
		return
	}

	h.log.Info("Attachment uploaded",
		"attachment_id", attachment.ID,
		"room_id", roomID,
		"user_id", user.ID,
		"content_type", contentType,
		"size", attachment.Size)
	JSON(w, http.StatusCreated, UploadResponse{ID: attachment.ID, Filename: attachment.Filename})
}

// Fetch serves an attachment to a participant of its room.
func (h *AttachmentHandler) Fetch(w http.ResponseWriter, r *http.Request) {
	user, ok := currentUser(w, r)
	if !ok {
		return
	}

	attachment, data, err := h.repo.GetAttachment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, "failed to load attachment", err)
		return
	}
	if attachment == nil {
		Error(w, http.StatusNotFound, "file not found")
		return
	}

	member, err := h.repo.IsParticipant(r.Context(), attachment.RoomID, user.ID)
	if err != nil {
		h.fail(w, r, "failed to check room membership", err)
		return
	}
	if !member {
		Error(w, http.StatusForbidden, "not a participant of this room")
		return
	}

	w.Header().Set("Content-Type", attachment.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": attachment.Filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// sanitizeFilename strips directories and control characters from an
// uploaded file name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, `\`, "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == "/" {
		return "file"
	}
	return name
}
