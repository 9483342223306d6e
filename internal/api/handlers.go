package api

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xhit/go-str2duration/v2"

	"trading-squareoff/internal/markethours"
	"trading-squareoff/internal/model"
	"trading-squareoff/internal/status"
)

// Handlers maps admin routes onto the status facade.
type Handlers struct {
	svc *status.Service

	// DefaultRetention is used by purge requests without a retention.
	DefaultRetention time.Duration
}

// NewHandlers creates the admin handlers.
func NewHandlers(svc *status.Service) *Handlers {
	return &Handlers{svc: svc, DefaultRetention: 30 * 24 * time.Hour}
}

type reasonBody struct {
	Reason string `json:"reason"`
}

type noteBody struct {
	Note string `json:"note" binding:"required"`
}

type purgeBody struct {
	Retention string `json:"retention"` // "30d", "72h"
}

// bindOptional binds a JSON body if one was sent.
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func queryInt(c *gin.Context, key string) (int, error) {
	s := c.Query(key)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

// queryDate parses ?date=YYYY-MM-DD as an IST trading date.
func queryDate(c *gin.Context) (time.Time, error) {
	s := c.Query("date")
	if s == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseInLocation("2006-01-02", s, markethours.IST)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD")
	}
	return d, nil
}

func page(c *gin.Context) (limit, offset int, date time.Time, err error) {
	if limit, err = queryInt(c, "limit"); err != nil {
		return
	}
	if offset, err = queryInt(c, "offset"); err != nil {
		return
	}
	date, err = queryDate(c)
	return
}

func (h *Handlers) SchedulerStatus(c *gin.Context) {
	success(c, h.svc.SchedulerStatus())
}

func (h *Handlers) Market(c *gin.Context) {
	success(c, h.svc.Market())
}

func (h *Handlers) ListExits(c *gin.Context) {
	limit, offset, date, err := page(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f := model.ExitFilter{
		Status:     model.ExitStatus(strings.ToUpper(c.Query("status"))),
		UserID:     c.Query("user_id"),
		PositionID: c.Query("position_id"),
		Date:       date,
		Limit:      limit,
		Offset:     offset,
	}
	res, err := h.svc.ListExits(c.Request.Context(), f)
	handle(c, res, err)
}

func (h *Handlers) GetExit(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "exit id must be numeric")
		return
	}
	e, err := h.svc.GetExit(c.Request.Context(), id)
	handle(c, e, err)
}

func (h *Handlers) ExitOutlook(c *gin.Context) {
	out, err := h.svc.ExitOutlook(c.Request.Context(), c.Param("position_id"))
	handle(c, out, err)
}

func (h *Handlers) CancelExit(c *gin.Context) {
	var body reasonBody
	if !bindOptional(c, &body) {
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled by admin"
	}
	e, err := h.svc.CancelExit(c.Request.Context(), c.Param("position_id"), body.Reason)
	handle(c, e, err)
}

func (h *Handlers) ResetExit(c *gin.Context) {
	e, err := h.svc.ResetExit(c.Request.Context(), c.Param("position_id"))
	handle(c, e, err)
}

func (h *Handlers) TriggerExit(c *gin.Context) {
	e, err := h.svc.TriggerExit(c.Request.Context(), c.Param("position_id"))
	// The attempt ran; a failed attempt still returns the stored record.
	if err != nil && e != nil {
		success(c, e)
		return
	}
	handle(c, e, err)
}

func (h *Handlers) EmergencyStop(c *gin.Context) {
	var body reasonBody
	if !bindOptional(c, &body) {
		return
	}
	sum, err := h.svc.EmergencyStop(c.Request.Context(), body.Reason)
	handle(c, sum, err)
}

func (h *Handlers) ForceReschedule(c *gin.Context) {
	sum, err := h.svc.ForceReschedule(c.Request.Context())
	handle(c, sum, err)
}

func (h *Handlers) ListOrders(c *gin.Context) {
	limit, offset, date, err := page(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	f := model.OrderFilter{
		ConfirmationStatus: model.ConfirmationStatus(strings.ToUpper(c.Query("status"))),
		UserID:             c.Query("user_id"),
		Date:               date,
		Limit:              limit,
		Offset:             offset,
	}
	if s := c.Query("needs_review"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			badRequest(c, "needs_review must be true or false")
			return
		}
		f.NeedsManualReview = &v
	}
	res, err := h.svc.ListOrders(c.Request.Context(), f)
	handle(c, res, err)
}

func (h *Handlers) GetOrder(c *gin.Context) {
	o, err := h.svc.GetOrder(c.Request.Context(), c.Param("order_id"))
	handle(c, o, err)
}

func (h *Handlers) ResolveReview(c *gin.Context) {
	var body noteBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "a note describing the resolution is required")
		return
	}
	o, err := h.svc.ResolveManualReview(c.Request.Context(), c.Param("order_id"), body.Note)
	handle(c, o, err)
}

func (h *Handlers) StartMonitor(c *gin.Context) {
	st, err := h.svc.StartMonitor(c.Request.Context())
	handle(c, st, err)
}

func (h *Handlers) StopMonitor(c *gin.Context) {
	success(c, h.svc.StopMonitor())
}

func (h *Handlers) MonitorStatus(c *gin.Context) {
	success(c, h.svc.MonitorStatus())
}

func (h *Handlers) Purge(c *gin.Context) {
	var body purgeBody
	if !bindOptional(c, &body) {
		return
	}
	retention := h.DefaultRetention
	if body.Retention != "" {
		d, err := str2duration.ParseDuration(body.Retention)
		if err != nil {
			badRequest(c, "retention: "+err.Error())
			return
		}
		retention = d
	}
	res, err := h.svc.Purge(c.Request.Context(), retention)
	handle(c, res, err)
}
