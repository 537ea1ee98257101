package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/recurbill/internal/ownercontext"
	"github.com/smallbiznis/recurbill/internal/recurrence"
	recurringdomain "github.com/smallbiznis/recurbill/internal/recurringinvoice/domain"
	"github.com/smallbiznis/recurbill/pkg/db/pagination"
)

type templateItemRequest struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        decimal.Decimal `json:"rate"`
}

type createTemplateRequest struct {
	ClientID         string                `json:"client_id"`
	Name             string                `json:"name"`
	Frequency        string                `json:"frequency"`
	Interval         int                   `json:"interval_value"`
	DayOfWeek        *int                  `json:"day_of_week"`
	DayOfMonth       *int                  `json:"day_of_month"`
	StartDate        string                `json:"start_date"`
	EndDate          *string               `json:"end_date"`
	OccurrencesLimit *int                  `json:"occurrences_limit"`
	IsActive         *bool                 `json:"is_active"`
	AutoSend         bool                  `json:"auto_send"`
	EmailSubject     string                `json:"email_subject"`
	EmailMessage     string                `json:"email_message"`
	Items            []templateItemRequest `json:"items"`
}

type updateTemplateRequest struct {
	ClientID         *string                `json:"client_id"`
	Name             *string                `json:"name"`
	Frequency        *string                `json:"frequency"`
	Interval         *int                   `json:"interval_value"`
	DayOfWeek        *int                   `json:"day_of_week"`
	DayOfMonth       *int                   `json:"day_of_month"`
	StartDate        *string                `json:"start_date"`
	EndDate          *string                `json:"end_date"`
	OccurrencesLimit *int                   `json:"occurrences_limit"`
	IsActive         *bool                  `json:"is_active"`
	AutoSend         *bool                  `json:"auto_send"`
	EmailSubject     *string                `json:"email_subject"`
	EmailMessage     *string                `json:"email_message"`
	Items            *[]templateItemRequest `json:"items"`
}

type previewRuleRequest struct {
	Frequency        string  `json:"frequency"`
	Interval         int     `json:"interval_value"`
	DayOfWeek        *int    `json:"day_of_week"`
	DayOfMonth       *int    `json:"day_of_month"`
	StartDate        string  `json:"start_date"`
	EndDate          *string `json:"end_date"`
	OccurrencesLimit *int    `json:"occurrences_limit"`
	Count            int     `json:"count"`
}

type generateDueRequest struct {
	AsOf string `json:"as_of"`
}

type generateDueResponse struct {
	Summary string `json:"summary"`
	Result  any    `json:"result"`
}

func (s *Server) CreateRecurringTemplate(c *gin.Context) {
	var req createTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startDate, err := parseDate(req.StartDate)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "start_date must be YYYY-MM-DD"))
		return
	}
	endDate, err := parseOptionalDate(req.EndDate)
	if err != nil {
		AbortWithError(c, newValidationError("end_date", "invalid_end_date", "end_date must be YYYY-MM-DD"))
		return
	}
	interval := req.Interval
	if interval == 0 {
		interval = 1
	}

	resp, err := s.recurring.Create(c.Request.Context(), recurringdomain.CreateRequest{
		ClientID:         strings.TrimSpace(req.ClientID),
		Name:             req.Name,
		Frequency:        req.Frequency,
		Interval:         interval,
		DayOfWeek:        req.DayOfWeek,
		DayOfMonth:       req.DayOfMonth,
		StartDate:        startDate,
		EndDate:          endDate,
		OccurrencesLimit: req.OccurrencesLimit,
		IsActive:         req.IsActive,
		AutoSend:         req.AutoSend,
		EmailSubject:     req.EmailSubject,
		EmailMessage:     req.EmailMessage,
		Items:            toItemInputs(req.Items),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListRecurringTemplates(c *gin.Context) {
	var query struct {
		pagination.Pagination
		IsActive  string `form:"is_active"`
		ClientID  string `form:"client_id"`
		Frequency string `form:"frequency"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	isActive, err := parseOptionalBool(query.IsActive)
	if err != nil {
		AbortWithError(c, newValidationError("is_active", "invalid_is_active", "invalid is_active"))
		return
	}

	resp, err := s.recurring.List(c.Request.Context(), recurringdomain.ListRequest{
		PageToken: query.PageToken,
		PageSize:  int32(query.PageSize),
		IsActive:  isActive,
		ClientID:  strings.TrimSpace(query.ClientID),
		Frequency: strings.TrimSpace(query.Frequency),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetRecurringTemplate(c *gin.Context) {
	resp, err := s.recurring.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdateRecurringTemplate(c *gin.Context) {
	var req updateTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startDate, err := parseOptionalDate(req.StartDate)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "start_date must be YYYY-MM-DD"))
		return
	}
	endDate, err := parseOptionalDate(req.EndDate)
	if err != nil {
		AbortWithError(c, newValidationError("end_date", "invalid_end_date", "end_date must be YYYY-MM-DD"))
		return
	}

	update := recurringdomain.UpdateRequest{
		ClientID:         req.ClientID,
		Name:             req.Name,
		Frequency:        req.Frequency,
		Interval:         req.Interval,
		DayOfWeek:        req.DayOfWeek,
		DayOfMonth:       req.DayOfMonth,
		StartDate:        startDate,
		EndDate:          endDate,
		OccurrencesLimit: req.OccurrencesLimit,
		IsActive:         req.IsActive,
		AutoSend:         req.AutoSend,
		EmailSubject:     req.EmailSubject,
		EmailMessage:     req.EmailMessage,
	}
	if req.Items != nil {
		items := toItemInputs(*req.Items)
		update.Items = &items
	}

	resp, err := s.recurring.Update(c.Request.Context(), strings.TrimSpace(c.Param("id")), update)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeleteRecurringTemplate(c *gin.Context) {
	if err := s.recurring.Delete(c.Request.Context(), strings.TrimSpace(c.Param("id"))); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) ToggleRecurringTemplate(c *gin.Context) {
	resp, err := s.recurring.Toggle(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetRecurringStats(c *gin.Context) {
	resp, err := s.recurring.Stats(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PreviewRecurringTemplate(c *gin.Context) {
	count, err := parseOptionalInt(c.Query("count"))
	if err != nil {
		AbortWithError(c, newValidationError("count", "invalid_count", "count is out of range"))
		return
	}

	resp, err := s.recurring.Preview(c.Request.Context(), strings.TrimSpace(c.Param("id")), count)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) PreviewRecurrenceRule(c *gin.Context) {
	var req previewRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	startDate, err := parseDate(req.StartDate)
	if err != nil {
		AbortWithError(c, newValidationError("start_date", "invalid_start_date", "start_date must be YYYY-MM-DD"))
		return
	}
	endDate, err := parseOptionalDate(req.EndDate)
	if err != nil {
		AbortWithError(c, newValidationError("end_date", "invalid_end_date", "end_date must be YYYY-MM-DD"))
		return
	}
	interval := req.Interval
	if interval == 0 {
		interval = 1
	}

	resp, err := s.recurring.PreviewRule(c.Request.Context(), recurringdomain.PreviewRuleRequest{
		Rule: recurrence.Rule{
			Frequency:  recurrence.Frequency(strings.ToLower(strings.TrimSpace(req.Frequency))),
			Interval:   interval,
			DayOfWeek:  req.DayOfWeek,
			DayOfMonth: req.DayOfMonth,
		},
		StartDate:        startDate,
		EndDate:          endDate,
		OccurrencesLimit: req.OccurrencesLimit,
		Count:            req.Count,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetRecurringHistory(c *gin.Context) {
	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, recurringdomain.ErrInvalidPagination)
		return
	}
	offset, err := parseOptionalInt(c.Query("offset"))
	if err != nil {
		AbortWithError(c, recurringdomain.ErrInvalidPagination)
		return
	}

	resp, err := s.recurring.History(c.Request.Context(), strings.TrimSpace(c.Param("id")), recurringdomain.HistoryRequest{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GenerateRecurringInvoice(c *gin.Context) {
	resp, err := s.recurring.GenerateNow(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

// GenerateDueInvoices runs the due scan for the caller's owner scope.
func (s *Server) GenerateDueInvoices(c *gin.Context) {
	var req generateDueRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}
	if raw := strings.TrimSpace(c.Query("as_of")); raw != "" {
		req.AsOf = raw
	}

	asOf := s.clock.Now()
	if strings.TrimSpace(req.AsOf) != "" {
		parsed, err := parseDate(req.AsOf)
		if err != nil {
			AbortWithError(c, newValidationError("as_of", "invalid_as_of", "as_of must be YYYY-MM-DD"))
			return
		}
		asOf = parsed
	}

	ownerID, ok := ownercontext.OwnerIDFromContext(c.Request.Context())
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	result, err := s.scanner.Run(c.Request.Context(), asOf, ownerID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": generateDueResponse{
		Summary: result.Summary(),
		Result:  result,
	}})
}

func toItemInputs(items []templateItemRequest) []recurringdomain.ItemInput {
	out := make([]recurringdomain.ItemInput, 0, len(items))
	for _, item := range items {
		out = append(out, recurringdomain.ItemInput{
			Description: item.Description,
			Quantity:    item.Quantity,
			Rate:        item.Rate,
		})
	}
	return out
}

