package handlers

import (
	"errors"
	"net/http"

	"github.com/franzego/dispatch/internal/models"
	"github.com/franzego/dispatch/internal/repository"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TemplateHandler struct {
	store repository.TemplateStore
	log   *zap.Logger
}

func NewTemplateHandler(store repository.TemplateStore, log *zap.Logger) *TemplateHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &TemplateHandler{store: store, log: log.Named("templates")}
}

func (h *TemplateHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/templates", h.List)
	rg.GET("/templates/:name", h.Get)
	rg.POST("/templates", h.Create)
	rg.PUT("/templates/:name", h.Update)
	rg.DELETE("/templates/:name", h.Delete)
}

func (h *TemplateHandler) List(c *gin.Context) {
	tpls, err := h.store.ListTemplates(c.Request.Context())
	if err != nil {
		h.log.Error("failed to list templates", zap.Error(err))
		fail(c, http.StatusInternalServerError, "failed to list templates", "Internal Server Error")
		return
	}
	if tpls == nil {
		tpls = []models.NotificationTemplate{}
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Templates retrieved", Data: tpls})
}

func (h *TemplateHandler) Get(c *gin.Context) {
	tpl, err := h.store.GetTemplateByName(c.Request.Context(), c.Param("name"))
	if h.storeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Template retrieved", Data: tpl})
}

func (h *TemplateHandler) Create(c *gin.Context) {
	tpl, ok := bindTemplate(c)
	if !ok {
		return
	}
	created, err := h.store.CreateTemplate(c.Request.Context(), tpl)
	if h.storeError(c, err) {
		return
	}
	c.JSON(http.StatusCreated, models.APIResponse{Success: true, Message: "Template created", Data: created})
}

func (h *TemplateHandler) Update(c *gin.Context) {
	tpl, ok := bindTemplate(c)
	if !ok {
		return
	}
	tpl.Name = c.Param("name")
	updated, err := h.store.UpdateTemplate(c.Request.Context(), tpl)
	if h.storeError(c, err) {
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Template updated", Data: updated})
}

func (h *TemplateHandler) Delete(c *gin.Context) {
	if h.storeError(c, h.store.DeleteTemplate(c.Request.Context(), c.Param("name"))) {
		return
	}
	c.JSON(http.StatusOK, models.APIResponse{Success: true, Message: "Template deleted"})
}

func bindTemplate(c *gin.Context) (models.NotificationTemplate, bool) {
	var tpl models.NotificationTemplate
	if err := c.ShouldBindJSON(&tpl); err != nil {
		fail(c, http.StatusBadRequest, err.Error(), "Invalid Request Body")
		return tpl, false
	}
	if c.Param("name") == "" && tpl.Name == "" {
		fail(c, http.StatusBadRequest, "name is required", "Invalid Request Body")
		return tpl, false
	}
	if tpl.Message[models.DefaultLocale] == "" {
		fail(c, http.StatusBadRequest, "an English message is required", "Invalid Request Body")
		return tpl, false
	}
	return tpl, true
}

// storeError writes the response for err and reports whether it did.
func (h *TemplateHandler) storeError(c *gin.Context, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, repository.ErrTemplateNotFound):
		fail(c, http.StatusNotFound, err.Error(), "Not Found")
	case errors.Is(err, repository.ErrTemplateExists):
		fail(c, http.StatusConflict, err.Error(), "Conflict")
	default:
		h.log.Error("template store failed", zap.Error(err))
		fail(c, http.StatusInternalServerError, "template store failed", "Internal Server Error")
	}
	return true
}
