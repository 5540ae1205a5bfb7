package upload

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/image-pipeline/internal/domain"
	"github.com/weiawesome/image-pipeline/pkg/log"
	"github.com/weiawesome/image-pipeline/pkg/response"
)

// AcceptedBody is returned with 202 for every accepted upload.
const AcceptedBody = "Uploaded"

// Handler handles HTTP requests for the upload service.
type Handler struct {
	service  Service
	maxBytes int64
}

// NewHandler creates a new HTTP handler. maxBytes <= 0 disables the body cap.
func NewHandler(service Service, maxBytes int64) *Handler {
	return &Handler{
		service:  service,
		maxBytes: maxBytes,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	r.GET("/health", h.Health)
	r.POST("/upload", h.Upload)

	api := r.Group("/api/v1")
	{
		images := api.Group("/images")
		{
			images.POST("", h.Upload)
			images.GET("/:name/status", h.GetStatus)
		}
	}
}

// Upload stores the multipart field "file" and requests its processing.
func (h *Handler) Upload(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	if h.maxBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBytes)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.PayloadTooLarge(c, "upload exceeds size limit")
			return
		}
		l.Warn().Err(err).Msg("missing file field")
		response.BadRequest(c, "multipart field \"file\" is required")
		return
	}

	f, err := fh.Open()
	if err != nil {
		l.Error().Err(err).Msg("failed to open uploaded file")
		response.BadRequest(c, "unreadable file")
		return
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		l.Error().Err(err).Msg("failed to read uploaded file")
		response.BadRequest(c, "unreadable file")
		return
	}

	_, err = h.service.Upload(ctx, domain.UploadRequest{
		FileName:    fh.Filename,
		Content:     content,
		ContentType: fh.Header.Get("Content-Type"),
	})
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			response.BadRequest(c, err.Error())
		case errors.Is(err, domain.ErrStorageWrite):
			response.InternalError(c, "STORAGE_WRITE_FAILED", "failed to store upload")
		case errors.Is(err, domain.ErrPublish):
			response.InternalError(c, "PUBLISH_FAILED", "upload stored but processing could not be requested")
		default:
			l.Error().Err(err).Msg("upload failed")
			response.InternalError(c, "INTERNAL_ERROR", "upload failed")
		}
		return
	}

	c.String(http.StatusAccepted, AcceptedBody)
}

// GetStatus returns the lifecycle record of an uploaded object.
func (h *Handler) GetStatus(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	name := c.Param("name")

	rec, err := h.service.Status(ctx, name)
	if err != nil {
		if errors.Is(err, ErrStatusNotFound) {
			response.NotFound(c, "no status for "+name)
			return
		}
		l.Error().Err(err).Str(log.FieldObject, name).Msg("failed to get status")
		response.InternalError(c, "INTERNAL_ERROR", "failed to get status")
		return
	}

	response.Success(c, rec)
}

// Health reports liveness.
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
