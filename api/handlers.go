package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/c360studio/semreply/model"
	"github.com/c360studio/semreply/opportunity"
	"github.com/c360studio/semreply/reaper"
	"github.com/c360studio/semreply/scheduler"
	"github.com/c360studio/semreply/storage"
)

// OpportunityPage is one page of an opportunity listing.
type OpportunityPage struct {
	Opportunities []*opportunity.Opportunity `json:"opportunities"`
	Total         int                        `json:"total"`
	Limit         int                        `json:"limit"`
	Offset        int                        `json:"offset"`
}

// OpportunityDetail is an opportunity with its author and drafts.
type OpportunityDetail struct {
	*opportunity.Opportunity
	Author    *opportunity.Author     `json:"author,omitempty"`
	Responses []*opportunity.Response `json:"responses"`
}

// DiscoverResult is the outcome of a manual discovery run.
type DiscoverResult struct {
	AccountID     string                     `json:"account_id"`
	Type          opportunity.DiscoveryType  `json:"type"`
	Inserted      int                        `json:"inserted"`
	Opportunities []*opportunity.Opportunity `json:"opportunities"`
}

// HealthReport is the body of GET /health.
type HealthReport struct {
	Status        string                          `json:"status"`
	Uptime        string                          `json:"uptime"`
	Opportunities map[opportunity.Status]int      `json:"opportunities,omitempty"`
	Schedules     int                             `json:"schedules"`
	Reaper        *reaper.Status                  `json:"reaper,omitempty"`
	Models        map[string]model.EndpointHealth `json:"models,omitempty"`
}

func (s *Server) health(c *gin.Context) {
	report := HealthReport{
		Status: "ok",
		Uptime: s.now().Sub(s.started).Round(time.Second).String(),
	}

	counts, err := s.store.CountByStatus(c.Request.Context())
	if err != nil {
		s.logger.Warn("Health check could not reach store", "error", err)
		report.Status = "degraded"
	} else {
		report.Opportunities = counts
	}
	if s.schedules != nil {
		report.Schedules = len(s.schedules.Entries())
	}
	if s.cleaner != nil {
		st := s.cleaner.Status()
		report.Reaper = &st
	}
	if s.models != nil {
		report.Models = s.models.HealthSnapshot()
	}

	status := http.StatusOK
	if report.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, report)
}

func (s *Server) listOpportunities(c *gin.Context) {
	f := storage.ListFilter{
		AccountID: c.Query("account"),
		Status:    opportunity.Status(c.Query("status")),
		Sort:      c.DefaultQuery("sort", storage.SortTotal),
	}
	if f.Status != "" && !f.Status.IsValid() {
		respondBadRequest(c, "unknown status "+strconv.Quote(string(f.Status)))
		return
	}
	switch f.Sort {
	case storage.SortTotal, storage.SortRecent, storage.SortExpires:
	default:
		respondBadRequest(c, "sort must be one of total, recent, expires")
		return
	}

	var ok bool
	if f.Limit, ok = intQuery(c, "limit", storage.DefaultListLimit); !ok {
		return
	}
	if f.Offset, ok = intQuery(c, "offset", 0); !ok {
		return
	}

	opps, total, err := s.store.ListOpportunities(c.Request.Context(), f, s.now())
	if err != nil {
		RespondError(c, err)
		return
	}
	if opps == nil {
		opps = []*opportunity.Opportunity{}
	}
	c.JSON(http.StatusOK, OpportunityPage{
		Opportunities: opps,
		Total:         total,
		Limit:         f.Limit,
		Offset:        f.Offset,
	})
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		respondBadRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (s *Server) getOpportunity(c *gin.Context) {
	ctx := c.Request.Context()
	opp, err := s.store.GetOpportunity(ctx, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}

	detail := OpportunityDetail{Opportunity: opp}
	if author, err := s.store.GetAuthor(ctx, opp.AuthorID); err == nil {
		detail.Author = author
	} else if !errors.Is(err, storage.ErrNotFound) {
		RespondError(c, err)
		return
	}

	responses, err := s.responses.List(ctx, opp.ID)
	if err != nil {
		RespondError(c, err)
		return
	}
	if responses == nil {
		responses = []*opportunity.Response{}
	}
	detail.Responses = responses
	c.JSON(http.StatusOK, detail)
}

type statusRequest struct {
	Status opportunity.Status `json:"status" binding:"required"`
}

func (s *Server) updateOpportunityStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "invalid data")
		return
	}
	if !req.Status.IsValid() {
		respondBadRequest(c, "unknown status "+strconv.Quote(string(req.Status)))
		return
	}

	opp, err := s.store.UpdateOpportunityStatus(c.Request.Context(), c.Param("id"), req.Status, s.now())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, opp)
}

type bulkDismissRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) bulkDismiss(c *gin.Context) {
	var req bulkDismissRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondBadRequest(c, "invalid data")
			return
		}
	}

	ctx := c.Request.Context()
	accountID := c.Param("id")
	if _, err := s.store.GetAccount(ctx, accountID); err != nil {
		RespondError(c, err)
		return
	}
	n, err := s.store.BulkDismiss(ctx, accountID, req.IDs, s.now())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dismissed": n})
}

func (s *Server) generateResponse(c *gin.Context) {
	resp, err := s.responses.Generate(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) listResponses(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := s.store.GetOpportunity(ctx, c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	responses, err := s.responses.List(ctx, c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	if responses == nil {
		responses = []*opportunity.Response{}
	}
	c.JSON(http.StatusOK, gin.H{"responses": responses})
}

type editRequest struct {
	Text string `json:"text" binding:"required"`
}

func (s *Server) editResponse(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "text is required")
		return
	}
	resp, err := s.responses.Edit(c.Request.Context(), c.Param("id"), req.Text)
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) dismissResponse(c *gin.Context) {
	resp, err := s.responses.Dismiss(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) postResponse(c *gin.Context) {
	resp, err := s.responses.Post(c.Request.Context(), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) discover(c *gin.Context) {
	if s.schedules == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Error: "scheduler not running"})
		return
	}
	dtype := opportunity.ParseDiscoveryType(c.Param("type"))
	if dtype == "" {
		respondBadRequest(c, "type must be replies or search")
		return
	}

	accountID := c.Param("id")
	opps, err := s.schedules.TriggerNow(c.Request.Context(), accountID, dtype)
	if err != nil {
		RespondError(c, err)
		return
	}
	if opps == nil {
		opps = []*opportunity.Opportunity{}
	}
	c.JSON(http.StatusOK, DiscoverResult{
		AccountID:     accountID,
		Type:          dtype,
		Inserted:      len(opps),
		Opportunities: opps,
	})
}

func (s *Server) listSchedules(c *gin.Context) {
	entries := []scheduler.EntryInfo{}
	if s.schedules != nil {
		entries = append(entries, s.schedules.Entries()...)
	}
	c.JSON(http.StatusOK, gin.H{"schedules": entries})
}

func (s *Server) runReaper(c *gin.Context) {
	if s.cleaner == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, errorBody{Error: "reaper not configured"})
		return
	}
	stats, err := s.cleaner.RunOnce(c.Request.Context())
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
