package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/templates"
)

type TemplateSyncer interface {
	Sync(ctx context.Context) (templates.Result, error)
}

type TemplatesHandler struct {
	Catalog *templates.Catalog
	Syncer  TemplateSyncer
	// Required names are reported as missing until an approved template
	// with that name is in the catalog.
	Required []string
	Logger   glog.Logger
}

func NewTemplatesHandler(catalog *templates.Catalog, syncer TemplateSyncer, required []string, logger glog.Logger) *TemplatesHandler {
	return &TemplatesHandler{Catalog: catalog, Syncer: syncer, Required: required, Logger: glog.Ensure(logger)}
}

// GetTemplates returns the cached catalog
func (h *TemplatesHandler) GetTemplates(c *gin.Context) {
	snap := h.Catalog.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"data":      snap.Records,
		"synced_at": snap.SyncedAt,
		"missing":   missingOrEmpty(h.Catalog.Missing(h.Required)),
	})
}

// SyncTemplates fetches every template page from Meta and replaces the catalog
func (h *TemplatesHandler) SyncTemplates(c *gin.Context) {
	if h.Syncer == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "template sync not configured"})
		return
	}
	res, err := h.Syncer.Sync(c.Request.Context())
	if err != nil {
		h.Logger.Error("Failed to sync templates", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "Failed to sync templates from Meta: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "Templates synced",
		"result":  res,
		"missing": missingOrEmpty(h.Catalog.Missing(h.Required)),
	})
}

func missingOrEmpty(names []string) []string {
	if names == nil {
		return []string{}
	}
	return names
}
