package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"dropzone/internal/core"
	"dropzone/internal/server/config"
	"dropzone/internal/server/database"
	"dropzone/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains the HTTP handlers for the dropzone API.
type Handler struct {
	svc    *service.ObjectStore
	health Pinger
	cfg    *config.Config
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.ObjectStore, health Pinger, cfg *config.Config) *Handler {
	return &Handler{svc: svc, health: health, cfg: cfg}
}

// objectInfo is the public view of a stored object. Key material and the
// password never leave the server.
type objectInfo struct {
	ID                 string    `json:"id"`
	Filename           string    `json:"filename"`
	Size               int64     `json:"size"`
	MimeType           string    `json:"mime_type"`
	Encrypted          bool      `json:"encrypted"`
	HasPassword        bool      `json:"has_password"`
	MaxDownloads       int       `json:"max_downloads"`
	DownloadCount      int       `json:"download_count"`
	RemainingDownloads int       `json:"remaining_downloads"`
	UploadedAt         time.Time `json:"uploaded_at"`
	ExpiresAt          time.Time `json:"expires_at"`
	Status             string    `json:"status"`
}

func (h *Handler) toInfo(obj database.StoredObject) objectInfo {
	return objectInfo{
		ID:                 obj.ID,
		Filename:           obj.OriginalName,
		Size:               obj.SizeBytes,
		MimeType:           obj.MimeType,
		Encrypted:          obj.Encrypted(),
		HasPassword:        obj.HasPassword(),
		MaxDownloads:       obj.MaxDownloads,
		DownloadCount:      obj.DownloadCount,
		RemainingDownloads: obj.RemainingDownloads(),
		UploadedAt:         obj.UploadedAt,
		ExpiresAt:          obj.ExpiresAt,
		Status:             h.svc.Verdict(obj).String(),
	}
}

// HandleUpload handles POST /api/files.
// Accepts a multipart form with a "file" field and optional "downloads",
// "minutes" and "password" fields.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "file is required (use form field 'file')",
		})
	}

	maxDownloads := h.cfg.DefaultMaxDownloads
	if v := c.FormValue("downloads"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "downloads must be an integer"})
		}
		maxDownloads = n
	}

	ttl := h.cfg.DefaultTTL
	if v := c.FormValue("minutes"); v != "" {
		minutes, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "minutes must be a number"})
		}
		ttl = time.Duration(minutes * float64(time.Minute))
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	obj, err := h.svc.Store(c.Request().Context(), service.UploadRequest{
		Filename:     fileHeader.Filename,
		MimeType:     fileHeader.Header.Get(echo.HeaderContentType),
		DeclaredSize: fileHeader.Size,
		Data:         src,
		MaxDownloads: maxDownloads,
		TTL:          ttl,
		Password:     c.FormValue("password"),
	})
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, echo.Map{
		"id":            obj.ID,
		"download_url":  fmt.Sprintf("%s/api/files/%s", h.cfg.BaseURL, obj.ID),
		"filename":      obj.OriginalName,
		"size":          obj.SizeBytes,
		"mime_type":     obj.MimeType,
		"encrypted":     obj.Encrypted(),
		"max_downloads": obj.MaxDownloads,
		"expires_at":    obj.ExpiresAt,
	})
}

// HandleDownload handles GET /api/files/:id.
// Streams the file as an attachment. Accepts an optional "password" query param.
func (h *Handler) HandleDownload(c echo.Context) error {
	id := c.Param("id")
	password := c.QueryParam("password")

	d, err := h.svc.Retrieve(c.Request().Context(), id, password)
	if err != nil {
		return mapServiceError(c, err)
	}
	defer d.Body.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentDisposition,
		mime.FormatMediaType("attachment", map[string]string{"filename": d.Object.OriginalName}))
	res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(d.Object.SizeBytes, 10))

	return c.Stream(http.StatusOK, d.Object.MimeType, d.Body)
}

// HandleInfo handles GET /api/files/:id/info.
// Returns metadata without consuming a download.
func (h *Handler) HandleInfo(c echo.Context) error {
	obj, err := h.svc.GetMetadata(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, h.toInfo(obj))
}

// HandleVerify handles POST /api/files/:id/verify.
// Checks expiry and password without consuming a download.
func (h *Handler) HandleVerify(c echo.Context) error {
	obj, err := h.svc.VerifyAccess(c.Request().Context(), c.Param("id"), c.FormValue("password"))
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"valid":               true,
		"remaining_downloads": obj.RemainingDownloads(),
		"expires_at":          obj.ExpiresAt,
	})
}

// HandleList handles GET /api/files (admin only).
func (h *Handler) HandleList(c echo.Context) error {
	objects, err := h.svc.ListObjects(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}

	infos := make([]objectInfo, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, h.toInfo(obj))
	}
	return c.JSON(http.StatusOK, echo.Map{
		"objects": infos,
		"count":   len(infos),
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.health.Ping(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// HandleStats handles GET /api/stats.
// Returns aggregate server statistics.
func (h *Handler) HandleStats(c echo.Context) error {
	stats, err := h.svc.GetStats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to retrieve stats",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"total_objects":      stats.TotalObjects,
		"active_objects":     stats.ActiveObjects,
		"total_downloads":    stats.TotalDownloads,
		"storage_used_bytes": stats.StorageUsed,
		"storage_used_human": core.HumanizeBytes(stats.StorageUsed),
	})
}

// requireAdmin guards admin routes with the X-Admin-Token header. Without a
// configured token the routes do not exist.
func requireAdmin(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return c.JSON(http.StatusNotFound, echo.Map{"error": "not found"})
			}
			given := c.Request().Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(given), []byte(token)) != 1 {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid admin token"})
			}
			return next(c)
		}
	}
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	case errors.Is(err, service.ErrValidation):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrExpired):
		return c.JSON(http.StatusGone, echo.Map{"error": "file has expired"})
	case errors.Is(err, service.ErrPasswordRequired):
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "password_required"})
	case errors.Is(err, service.ErrInvalidPassword):
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid password"})
	case errors.Is(err, service.ErrIntegrity):
		slog.Error("integrity failure", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "file failed integrity check"})
	default:
		slog.Error("request failed", "path", c.Request().URL.Path, "error", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
