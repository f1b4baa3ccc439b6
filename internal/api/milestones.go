package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/making-something/articon-dispatch/internal/trigger"
)

type MilestoneReporter interface {
	Status(now time.Time) []trigger.MilestoneStatus
}

type MilestonesHandler struct {
	Scheduler MilestoneReporter
	Now       func() time.Time
}

func NewMilestonesHandler(s MilestoneReporter) *MilestonesHandler {
	return &MilestonesHandler{Scheduler: s, Now: time.Now}
}

func (h *MilestonesHandler) GetMilestones(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.Scheduler.Status(h.Now())})
}

func Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
