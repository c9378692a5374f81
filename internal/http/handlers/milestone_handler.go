package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/h2non/filetype"

	"github.com/hedwigapp/hedwig-backend/internal/models"
	"github.com/hedwigapp/hedwig-backend/internal/service"
	"github.com/hedwigapp/hedwig-backend/internal/storage"
)

// Разрешённые типы файлов для результатов по этапам.
var allowedMimeTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"application/zip": true,
}

// MilestoneHandler предоставляет HTTP слой для этапов: машину статусов
// работы и загрузку результатов.
type MilestoneHandler struct {
	milestones *service.MilestoneService
	files      *storage.FileStorage
}

// NewMilestoneHandler создаёт хэндлер.
func NewMilestoneHandler(milestones *service.MilestoneService, files *storage.FileStorage) *MilestoneHandler {
	return &MilestoneHandler{milestones: milestones, files: files}
}

// Get обрабатывает GET /api/milestones/:id.
func (h *MilestoneHandler) Get(c *gin.Context) {
	m, err := h.milestones.Get(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// Start обрабатывает POST /api/milestones/:id/start.
func (h *MilestoneHandler) Start(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	m, err := h.milestones.Start(c.Request.Context(), pathUUID(c, "id"), userID)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// Submit обрабатывает POST /api/milestones/:id/submit.
func (h *MilestoneHandler) Submit(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	var req struct {
		Deliverables    string `json:"deliverables" binding:"required"`
		CompletionNotes string `json:"completion_notes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	m, err := h.milestones.Submit(c.Request.Context(), pathUUID(c, "id"), userID, req.Deliverables, req.CompletionNotes)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// Approve обрабатывает POST /api/milestones/:id/approve.
// Вызывается клиентом договора, без JWT: клиента подтверждает токен
// приёмки из письма (в теле запроса или query-параметре token).
func (h *MilestoneHandler) Approve(c *gin.Context) {
	var req struct {
		Token    string `json:"token"`
		Feedback string `json:"feedback"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Token == "" {
		req.Token = c.Query("token")
	}

	m, invoice, err := h.milestones.Approve(c.Request.Context(), pathUUID(c, "id"), req.Token, req.Feedback)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := gin.H{"milestone": m}
	if invoice != nil {
		resp["invoice"] = invoice
	}
	c.JSON(http.StatusOK, resp)
}

// RequestChanges обрабатывает POST /api/milestones/:id/request-changes.
// Вызывается клиентом договора, без JWT, по токену приёмки.
func (h *MilestoneHandler) RequestChanges(c *gin.Context) {
	var req struct {
		Token   string `json:"token"`
		Changes string `json:"changes" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Token == "" {
		req.Token = c.Query("token")
	}

	m, err := h.milestones.RequestChanges(c.Request.Context(), pathUUID(c, "id"), req.Token, req.Changes)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"milestone": m})
}

// UploadAttachment обрабатывает POST /api/milestones/:id/attachments.
func (h *MilestoneHandler) UploadAttachment(c *gin.Context) {
	userID, err := currentUserID(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": err.Error()})
		return
	}

	milestoneID := pathUUID(c, "id")

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "файл обязателен (поле file)"})
		return
	}

	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "не удалось открыть файл"})
		return
	}
	defer f.Close()

	// Тип определяем по содержимому, а не по расширению.
	buffer := make([]byte, 262)
	n, _ := f.Read(buffer)
	kind, err := filetype.Match(buffer[:n])
	if err != nil || kind == filetype.Unknown {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "не удалось определить тип файла"})
		return
	}

	contentType := kind.MIME.Value
	if !allowedMimeTypes[contentType] {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   fmt.Sprintf("неподдерживаемый тип файла (%s)", contentType),
		})
		return
	}

	if _, err := f.Seek(0, 0); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "не удалось прочитать файл"})
		return
	}

	relPath, size, err := h.files.Save(c.Request.Context(), milestoneID, fileHeader.Filename, f)
	if err != nil {
		_ = c.Error(err)
		return
	}

	attachment := &models.MilestoneAttachment{
		MilestoneID: milestoneID,
		FilePath:    relPath,
		FileName:    sanitizedName(fileHeader.Filename),
		MimeType:    contentType,
		SizeBytes:   size,
	}

	if err := h.milestones.AttachDeliverable(c.Request.Context(), milestoneID, userID, attachment); err != nil {
		_ = h.files.Delete(c.Request.Context(), relPath)
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"attachment": attachment})
}

// ListAttachments обрабатывает GET /api/milestones/:id/attachments.
func (h *MilestoneHandler) ListAttachments(c *gin.Context) {
	attachments, err := h.milestones.ListAttachments(c.Request.Context(), pathUUID(c, "id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"attachments": attachments, "count": len(attachments)})
}

func sanitizedName(name string) string {
	name = filepath.Base(name)
	return strings.ReplaceAll(name, "..", "")
}
