package handlers

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/apex/log"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/baobabichh/diabetic-diary/database"
	"github.com/baobabichh/diabetic-diary/models"
)

// JobPublisher publishes recognition jobs to the queue.
// *rabbitmq.Publisher satisfies it.
type JobPublisher interface {
	Publish(routingKey string, v any) error
}

// Handlers represents the HTTP handlers
type Handlers struct {
	db         *database.Database
	publisher  JobPublisher
	routingKey string
	photosDir  string
}

// NewHandlers creates new HTTP handlers
func NewHandlers(db *database.Database, publisher JobPublisher, routingKey, photosDir string) *Handlers {
	return &Handlers{
		db:         db,
		publisher:  publisher,
		routingKey: routingKey,
		photosDir:  photosDir,
	}
}

// HealthCheck handles health check requests
func (h *Handlers) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": "diabetic-diary-recognizer",
	})
}

// RecognizeFood accepts a base64-encoded food photo, stores it and enqueues
// a recognition job. The response carries the new recognition ID; results
// arrive asynchronously via GetResult.
func (h *Handlers) RecognizeFood(c *gin.Context) {
	base64String := c.PostForm("base64_string")
	if base64String == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "base64_string is required",
		})
		return
	}

	imageData, err := base64.StdEncoding.DecodeString(base64String)
	if err != nil || len(imageData) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "base64_string is not valid base64",
		})
		return
	}

	mime := mimetype.Detect(imageData)
	if claimed := c.PostForm("mime_type"); claimed != "" && !mimetype.EqualsAny(claimed, mime.String()) {
		log.Warnf("recognize_food mime mismatch claimed=%s detected=%s", claimed, mime.String())
	}
	ext := mime.Extension()
	if ext == "" {
		ext = ".bin"
	}

	var userID uint64
	if v := c.PostForm("user_id"); v != "" {
		userID, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "user_id must be a number",
			})
			return
		}
	}

	id, err := h.db.CreateRequest(userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create recognition request",
		})
		return
	}

	photoPath := filepath.Join(h.photosDir, strconv.FormatUint(id, 10)+ext)
	if err := os.WriteFile(photoPath, imageData, 0o644); err != nil {
		log.Errorf("recognize_food write photo failed id=%d path=%s err=%v", id, photoPath, err)
		h.rollback(id, "")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to store photo",
		})
		return
	}

	if err := h.db.SetPhotoPath(id, photoPath); err != nil {
		log.Errorf("recognize_food set photo path failed id=%d err=%v", id, err)
		h.rollback(id, photoPath)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to store photo",
		})
		return
	}

	job := models.RecognitionJob{FoodRecognitionID: strconv.FormatUint(id, 10)}
	if err := h.publisher.Publish(h.routingKey, job); err != nil {
		log.Errorf("recognize_food publish failed id=%d err=%v", id, err)
		h.rollback(id, photoPath)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue recognition job",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     strconv.FormatUint(id, 10),
		"status": models.StatusWaiting,
	})
}

// rollback undoes the partially created request so a failed submission does
// not leave a Waiting row that no job will ever pick up.
func (h *Handlers) rollback(id uint64, photoPath string) {
	if photoPath != "" {
		if err := os.Remove(photoPath); err != nil && !os.IsNotExist(err) {
			log.Errorf("recognize_food rollback photo failed id=%d path=%s err=%v", id, photoPath, err)
		}
	}
	if err := h.db.DeleteRequest(id); err != nil {
		log.Errorf("recognize_food rollback row failed id=%d err=%v", id, err)
	}
}

// GetStatus returns the status of a recognition request
func (h *Handlers) GetStatus(c *gin.Context) {
	id, ok := h.recognitionID(c)
	if !ok {
		return
	}

	status, err := h.db.GetStatus(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Recognition not found",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     strconv.FormatUint(id, 10),
		"status": status,
	})
}

// GetResult returns the recognition result once processing finished
func (h *Handlers) GetResult(c *gin.Context) {
	id, ok := h.recognitionID(c)
	if !ok {
		return
	}

	status, resultJSON, err := h.db.GetResult(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Recognition not found",
		})
		return
	}

	if status != models.StatusDone {
		c.JSON(http.StatusOK, gin.H{
			"id":     strconv.FormatUint(id, 10),
			"status": status,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":     strconv.FormatUint(id, 10),
		"status": status,
		"result": json.RawMessage(resultJSON),
	})
}

func (h *Handlers) recognitionID(c *gin.Context) (uint64, bool) {
	idStr := c.Query("id")
	id, err := strconv.ParseUint(idStr, 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid recognition id",
		})
		return 0, false
	}
	return id, true
}
