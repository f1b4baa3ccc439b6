package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/making-something/articon-dispatch/internal/apperr"
	"github.com/making-something/articon-dispatch/internal/dispatch"
	"github.com/making-something/articon-dispatch/internal/ledger"
	"github.com/making-something/articon-dispatch/internal/recipient"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (dispatch.Report, error)
}

type LedgerStatus interface {
	Status(ctx context.Context, campaignKey string) (ledger.Status, error)
}

type DispatchHandler struct {
	Engine    Dispatcher
	Ledger    LedgerStatus
	Directory recipient.Directory
	Resolver  *recipient.Resolver
	Logger    glog.Logger
}

func NewDispatchHandler(engine Dispatcher, l LedgerStatus, dir recipient.Directory, resolver *recipient.Resolver, logger glog.Logger) *DispatchHandler {
	return &DispatchHandler{Engine: engine, Ledger: l, Directory: dir, Resolver: resolver, Logger: glog.Ensure(logger)}
}

type SendRequest struct {
	Campaign string                `json:"campaign" binding:"required"`
	Subject  string                `json:"subject"`
	Body     string                `json:"body"`
	HTML     string                `json:"html"`
	Template *dispatch.TemplateRef `json:"template"`
	DryRun   bool                  `json:"dry_run"`
	Limit    int                   `json:"limit"`
	// Recipients replaces the configured participant list when present.
	Recipients []recipient.Record `json:"recipients"`
}

func (h *DispatchHandler) Send(c *gin.Context) {
	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Body) == "" && req.Template == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body or template is required"})
		return
	}
	if req.Limit < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must not be negative"})
		return
	}

	var dir recipient.Directory = h.Directory
	if len(req.Recipients) > 0 {
		dir = recipient.StaticDirectory(req.Recipients)
	}
	if dir == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no participant list configured"})
		return
	}
	res, err := h.Resolver.ResolveDirectory(c.Request.Context(), dir)
	if err != nil {
		respondError(c, err)
		return
	}

	report, err := h.Engine.Dispatch(c.Request.Context(), dispatch.Request{
		CampaignKey: strings.TrimSpace(req.Campaign),
		Message: dispatch.Message{
			Subject:  req.Subject,
			Text:     req.Body,
			HTML:     req.HTML,
			Template: req.Template,
		},
		Candidates: res.Candidates,
		Limit:      req.Limit,
		DryRun:     req.DryRun,
	})
	if err != nil {
		h.Logger.Error("Failed to dispatch campaign", "campaign", req.Campaign, "error", err)
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"report": report,
		"resolution": gin.H{
			"total":           res.Total,
			"candidates":      len(res.Candidates),
			"invalid_address": res.InvalidAddress,
			"not_approved":    res.NotApproved,
			"missing_id":      res.MissingID,
		},
	})
}

func (h *DispatchHandler) Status(c *gin.Context) {
	campaign := strings.TrimSpace(c.Param("campaign"))
	if campaign == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaign is required"})
		return
	}
	st, err := h.Ledger.Status(c.Request.Context(), campaign)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func respondError(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	if errors.Is(err, dispatch.ErrTemplateNotApproved) {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
