package handlers

import (
	"bufio"
	"errors"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/minio/minio-go/v7"

	"github.com/studycircle/chat-backend/internal/httpx"
	"github.com/studycircle/chat-backend/internal/membership"
	"github.com/studycircle/chat-backend/internal/storage"
	"github.com/studycircle/chat-backend/internal/validation"
)

const maxAttachmentSize = 10 << 20 // 10 MiB

type MediaHandler struct {
	store   *storage.AttachmentStore
	members membership.Provider
}

func NewMediaHandler(store *storage.AttachmentStore, members membership.Provider) *MediaHandler {
	return &MediaHandler{store: store, members: members}
}

func normalizeETag(v string) string {
	v = strings.TrimSpace(v)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, "\"")
	return v
}

// Upload stores an attachment and returns the URL to reference from a
// chat message.
// POST /api/media (multipart: file, group_id)
func (h *MediaHandler) Upload(c *fiber.Ctx) error {
	if h.store == nil {
		return httpx.Error(c, fiber.StatusServiceUnavailable, "storage_not_configured", "Storage not configured")
	}

	userID, err := httpx.LocalString(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "missing_identity", "X-User-ID header required")
	}
	groupID := c.FormValue("group_id")
	if !validation.ValidateIdentifier(groupID) {
		return httpx.BadRequest(c, "invalid_group", "Invalid group id")
	}
	if !h.members.IsMember(userID, groupID) {
		return httpx.Forbidden(c, "not_a_member", "Not a member of this group")
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return httpx.BadRequest(c, "missing_file", "Multipart field 'file' required")
	}
	if fileHeader.Size <= 0 || fileHeader.Size > maxAttachmentSize {
		return httpx.BadRequest(c, "invalid_size", "Attachment too large")
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !validation.ValidateContentType(contentType) {
		return httpx.BadRequest(c, "unsupported_type", "Unsupported attachment type")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return httpx.Internal(c, "media_open_failed")
	}
	defer file.Close()

	key := storage.AttachmentKey(groupID, contentType)
	st, err := h.store.Put(c.Context(), key, file, fileHeader.Size, contentType)
	if err != nil {
		log.Printf("[media] upload error key=%q err=%v", key, err)
		return httpx.Internal(c, "media_upload_failed")
	}

	log.Printf("[media] upload ok user=%s key=%q size=%d", userID, key, st.Size)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"url":          "/media/" + key,
		"content_type": contentType,
		"size":         st.Size,
	})
}

// Get streams an attachment back to the client.
// GET /media/*
func (h *MediaHandler) Get(c *fiber.Ctx) error {
	if h.store == nil {
		return httpx.Error(c, fiber.StatusServiceUnavailable, "storage_not_configured", "Storage not configured")
	}

	keyParam := strings.TrimSpace(c.Params("*"))
	key, err := storage.SafeAttachmentKey(keyParam)
	if err != nil {
		return httpx.NotFound(c, "not_found", "Not found")
	}

	obj, st, err := h.store.Get(c.Context(), key)
	if err != nil {
		log.Printf("[media] get error key=%q err=%v", key, err)
		// Hide details.
		var resp minio.ErrorResponse
		if errors.As(err, &resp) {
			if resp.StatusCode == 404 || resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" {
				return httpx.NotFound(c, "not_found", "Not found")
			}
		}
		return httpx.Internal(c, "media_fetch_failed")
	}

	etag := st.ETag
	if etag != "" {
		c.Set("ETag", "\""+etag+"\"")
		if inm := normalizeETag(c.Get("If-None-Match")); inm != "" && inm == normalizeETag(etag) {
			_ = obj.Close()
			return c.SendStatus(fiber.StatusNotModified)
		}
	}
	if !st.LastModified.IsZero() {
		c.Set("Last-Modified", st.LastModified.UTC().Format(time.RFC1123))
	}

	c.Set("Cache-Control", "private, max-age=31536000, immutable")
	if st.ContentType != "" {
		c.Type(st.ContentType)
	} else {
		c.Type("application/octet-stream")
	}
	if st.Size > 0 {
		c.Set("Content-Length", strconv.FormatInt(st.Size, 10))
	}

	// Stream object while capturing any mid-stream errors.
	// (Fiber versions vary; use underlying fasthttp stream writer.)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			_ = obj.Close()
		}()

		n, copyErr := io.Copy(w, obj)
		flushErr := w.Flush()

		if copyErr != nil {
			log.Printf("[media] stream error key=%q copied=%d err=%v", key, n, copyErr)
			return
		}
		if flushErr != nil {
			log.Printf("[media] stream flush error key=%q copied=%d err=%v", key, n, flushErr)
			return
		}
	})
	return nil
}
