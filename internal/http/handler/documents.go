package handler

import (
	"context"
	"errors"
	"mime"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"docvault/internal/identity"
	"docvault/internal/service"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheck pings the catalog.
//
// @Summary  Readiness probe
// @Tags     health
// @Success  200 {object} map[string]string
// @Failure  503 {object} errorPayload
// @Router   /health [get]
func HealthCheck(catalog Pinger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
		defer cancel()
		if err := catalog.Ping(ctx); err != nil {
			return writeError(c, fiber.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "dependency unavailable")
		}
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"status": "healthy"})
	}
}

// LivenessProbe always answers 200.
//
// @Summary  Liveness probe
// @Tags     health
// @Success  200
// @Router   /healthz [get]
func LivenessProbe() fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	}
}

// ListDocuments lists the caller's documents, or any owner's for admins.
//
// @Summary  List documents
// @Tags     documents
// @Security BearerAuth
// @Param    owner  query string false "owner id (admin only)"
// @Param    month  query string false "01-12"
// @Param    year   query string false "four digit year"
// @Param    search query string false "case-insensitive name substring"
// @Param    limit  query int    false "page size" default(20)
// @Param    offset query int    false "page offset" default(0)
// @Success  200 {object} service.DocumentListResult
// @Failure  400 {object} errorPayload
// @Failure  401 {object} errorPayload
// @Router   /documents [get]
func ListDocuments(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		limit, err := strconv.Atoi(c.Query("limit", "20"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_LIMIT", "invalid limit")
		}
		offset, err := strconv.Atoi(c.Query("offset", "0"))
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "INVALID_OFFSET", "invalid offset")
		}

		who, _ := identity.FromContext(c.UserContext())
		res, err := docSvc.List(c.UserContext(), who, service.ListQuery{
			OwnerID: c.Query("owner"),
			Month:   c.Query("month"),
			Year:    c.Query("year"),
			Search:  c.Query("search"),
			Limit:   limit,
			Offset:  offset,
		})
		if err != nil {
			if errors.Is(err, service.ErrUnauthorized) {
				return writeError(c, fiber.StatusForbidden, "FORBIDDEN", "not allowed to list these documents")
			}
			return writeServiceError(c, err)
		}
		return c.JSON(res)
	}
}

// UploadDocument encrypts and stores one file for a client.
//
// @Summary  Upload a document
// @Tags     documents
// @Security BearerAuth
// @Accept   multipart/form-data
// @Param    file     formData file   true "document"
// @Param    owner_id formData string true "client id"
// @Param    month    formData string true "01-12"
// @Param    year     formData string true "four digit year"
// @Success  201 {object} model.DocumentView
// @Failure  400 {object} errorPayload
// @Failure  403 {object} errorPayload
// @Failure  503 {object} errorPayload
// @Router   /documents [post]
func UploadDocument(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		fh, err := c.FormFile("file")
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_REQUIRED", "file is required")
		}

		f, err := fh.Open()
		if err != nil {
			return writeError(c, fiber.StatusBadRequest, "FILE_OPEN_ERROR", "cannot open uploaded file")
		}
		defer f.Close()

		who, _ := identity.FromContext(c.UserContext())
		view, err := docSvc.Upload(c.UserContext(), who, service.UploadInput{
			OwnerID:     c.FormValue("owner_id"),
			Month:       c.FormValue("month"),
			Year:        c.FormValue("year"),
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Body:        f,
		})
		if err != nil {
			if errors.Is(err, service.ErrUnauthorized) {
				return writeError(c, fiber.StatusForbidden, "FORBIDDEN", "only administrators may upload")
			}
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(view)
	}
}

func documentID(c *fiber.Ctx) (string, bool) {
	id := c.Params("id")
	if _, err := uuid.Parse(id); err != nil {
		return "", false
	}
	return id, true
}

// GetDocument returns the public view of one document.
//
// @Summary  Get document metadata
// @Tags     documents
// @Security BearerAuth
// @Param    id path string true "document id"
// @Success  200 {object} model.DocumentView
// @Failure  404 {object} errorPayload
// @Router   /documents/{id} [get]
func GetDocument(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := documentID(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		who, _ := identity.FromContext(c.UserContext())
		view, err := docSvc.Get(c.UserContext(), who, id)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(view)
	}
}

// GetDocumentContent streams the decrypted document.
//
// @Summary  Download a document
// @Tags     documents
// @Security BearerAuth
// @Produce  octet-stream
// @Param    id path string true "document id"
// @Success  200 {file} binary
// @Failure  404 {object} errorPayload
// @Failure  500 {object} errorPayload "DATA_INTEGRITY"
// @Router   /documents/{id}/content [get]
func GetDocumentContent(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := documentID(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		who, _ := identity.FromContext(c.UserContext())
		content, err := docSvc.Open(c.UserContext(), who, id)
		if err != nil {
			return writeServiceError(c, err)
		}
		return sendContent(c, content)
	}
}

// Download redeems a signed download link. No bearer token is needed.
//
// @Summary  Redeem a download link
// @Tags     links
// @Produce  octet-stream
// @Param    token path string true "link token"
// @Success  200 {file} binary
// @Failure  404 {object} errorPayload
// @Failure  410 {object} errorPayload
// @Router   /downloads/{token} [get]
func Download(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		content, err := docSvc.OpenLink(c.UserContext(), c.Params("token"))
		if err != nil {
			return writeServiceError(c, err)
		}
		return sendContent(c, content)
	}
}

func sendContent(c *fiber.Ctx, content *service.Content) error {
	c.Set(fiber.HeaderContentType, content.Document.Type)
	c.Set(fiber.HeaderContentDisposition, mime.FormatMediaType("attachment", map[string]string{
		"filename": content.Document.Name,
	}))
	c.Set(fiber.HeaderCacheControl, "no-store")
	c.Set(fiber.HeaderXContentTypeOptions, "nosniff")
	return c.Status(fiber.StatusOK).SendStream(content.Body, int(content.Size))
}

// CreateLink issues a signed download link.
//
// @Summary  Issue a download link
// @Tags     links
// @Security BearerAuth
// @Param    id path string true "document id"
// @Success  201 {object} service.SignedURL
// @Failure  404 {object} errorPayload
// @Router   /documents/{id}/links [post]
func CreateLink(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := documentID(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		who, _ := identity.FromContext(c.UserContext())
		link, err := docSvc.IssueLink(c.UserContext(), who, id)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.Status(fiber.StatusCreated).JSON(link)
	}
}

// CiphertextURL presigns the encrypted blob for export tooling.
//
// @Summary  Presign the ciphertext
// @Tags     documents
// @Security BearerAuth
// @Param    id  path  string true  "document id"
// @Param    ttl query string false "lifetime, e.g. 15m" default(1h)
// @Success  200 {object} service.SignedURL
// @Failure  404 {object} errorPayload
// @Router   /documents/{id}/ciphertext-url [get]
func CiphertextURL(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := documentID(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		var ttl time.Duration
		if s := c.Query("ttl"); s != "" {
			d, err := time.ParseDuration(s)
			if err != nil || d <= 0 || d > 7*24*time.Hour {
				return writeError(c, fiber.StatusBadRequest, "INVALID_TTL", "ttl must be a duration up to 168h")
			}
			ttl = d
		}
		who, _ := identity.FromContext(c.UserContext())
		u, err := docSvc.CiphertextURL(c.UserContext(), who, id, ttl)
		if err != nil {
			return writeServiceError(c, err)
		}
		return c.JSON(u)
	}
}

// DeleteDocument removes a document and its blob.
//
// @Summary  Delete a document
// @Tags     documents
// @Security BearerAuth
// @Param    id path string true "document id"
// @Success  204
// @Failure  404 {object} errorPayload
// @Router   /documents/{id} [delete]
func DeleteDocument(docSvc service.DocumentService) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, ok := documentID(c)
		if !ok {
			return writeError(c, fiber.StatusBadRequest, "INVALID_ID", "invalid id format")
		}
		who, _ := identity.FromContext(c.UserContext())
		if err := docSvc.Delete(c.UserContext(), who, id); err != nil {
			return writeServiceError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}
