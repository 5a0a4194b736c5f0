package billing

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/platform/auth"
	"github.com/edh/hms/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – billing
	read := api.Group("", auth.RequireRole(auth.RoleBilling))
	read.GET("/invoices", h.ListInvoices)
	read.GET("/invoices/:id", h.GetInvoice)
	read.GET("/invoices/:id/payments", h.ListPayments)
	read.GET("/hmo/aging", h.Aging)
	read.GET("/hmo/claims", h.ListBatches)
	read.GET("/hmo/claims/:id", h.GetBatch)
	read.GET("/hmo/claims/:id/eligible", h.EligibleInvoices)
	read.GET("/hmo/claims/:id/export", h.ExportBatch)
	read.GET("/hmo/followups", h.ListDueFollowUps)
	read.GET("/billing/dashboard", h.Dashboard)

	// Write endpoints – billing
	write := api.Group("", auth.RequireRole(auth.RoleBilling))
	write.POST("/invoices", h.CreateStandaloneInvoice)
	write.POST("/invoices/:id/payments", h.RecordPayment)
	write.POST("/invoices/:id/dispute", h.MarkDisputed)
	write.DELETE("/invoices/:id/dispute", h.ClearDispute)
	write.POST("/hmo/claims", h.CreateBatch)
	write.POST("/hmo/claims/:id/items", h.AddInvoices)
	write.POST("/hmo/claims/:id/submit", h.SubmitBatch)
	write.POST("/hmo/claims/:id/mark-paid", h.MarkBatchPaid)
	write.POST("/hmo/claim-items/:id/dispute", h.FlagClaimItem)
	write.POST("/hmo/reminders", h.MarkReminded)
	write.POST("/hmo/followups/sweep", h.RunSweep)
	write.PATCH("/hmo/followups/:id", h.UpdateFollowUp)

	// Invoice generation – billing, doctor
	gen := api.Group("", auth.RequireRole(auth.RoleBilling, auth.RoleDoctor))
	gen.POST("/visits/:id/invoice", h.GenerateInvoice)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// parseDate reads an optional YYYY-MM-DD query parameter.
func parseDate(c echo.Context, name string) (time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+": expected YYYY-MM-DD")
	}
	return t, nil
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if c.Echo().Validator == nil {
		return nil
	}
	return c.Validate(req)
}

func actor(c echo.Context) auth.Actor {
	return auth.ActorFromContext(c.Request().Context())
}

// -- Invoices --

func (h *Handler) GenerateInvoice(c echo.Context) error {
	visitID, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GenerateInvoice(c.Request().Context(), visitID, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

type standaloneInvoiceRequest struct {
	PatientID uuid.UUID   `json:"patient_id" validate:"required"`
	Lines     []LineInput `json:"lines" validate:"required,min=1,dive"`
}

func (h *Handler) CreateStandaloneInvoice(c echo.Context) error {
	var req standaloneInvoiceRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.CreateStandaloneInvoice(c.Request().Context(), req.PatientID, req.Lines, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := InvoiceFilter{
		Status:  c.QueryParam("status"),
		HMOName: c.QueryParam("hmo_name"),
		Query:   c.QueryParam("q"),
	}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	items, total, err := h.svc.ListInvoices(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

// -- Payments --

type paymentRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"required"`
	Reference string          `json:"reference" validate:"max=80"`
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.RecordPayment(c.Request().Context(), id, req.Amount, req.Method, req.Reference, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) ListPayments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Disputes & aging --

type disputeRequest struct {
	Reason string          `json:"reason"`
	Amount decimal.Decimal `json:"amount"`
}

func (h *Handler) MarkDisputed(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req disputeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	inv, err := h.svc.MarkInvoiceDisputed(c.Request().Context(), id, req.Reason, req.Amount, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

func (h *Handler) ClearDispute(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	inv, err := h.svc.ClearInvoiceDispute(c.Request().Context(), id, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

type itemDisputeRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) FlagClaimItem(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req itemDisputeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	item, err := h.svc.FlagClaimItemDisputed(c.Request().Context(), id, req.Reason, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, item)
}

func (h *Handler) Aging(c echo.Context) error {
	asOf, err := parseDate(c, "as_of")
	if err != nil {
		return err
	}
	report, err := h.svc.ComputeAging(c.Request().Context(), asOf)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

type remindRequest struct {
	HMOName string `json:"hmo_name" validate:"required"`
}

func (h *Handler) MarkReminded(c echo.Context) error {
	var req remindRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	n, err := h.svc.MarkReminded(c.Request().Context(), req.HMOName, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"hmo_name": req.HMOName, "invoices": n})
}

// -- Claim batches --

type batchRequest struct {
	HMOName     string `json:"hmo_name" validate:"required,max=120"`
	PeriodStart string `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string `json:"period_end" validate:"required,datetime=2006-01-02"`
}

func (h *Handler) CreateBatch(c echo.Context) error {
	var req batchRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	start, err := time.Parse(dateLayout, req.PeriodStart)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid period_start: expected YYYY-MM-DD")
	}
	end, err := time.Parse(dateLayout, req.PeriodEnd)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid period_end: expected YYYY-MM-DD")
	}
	b, err := h.svc.CreateBatch(c.Request().Context(), req.HMOName, start, end, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusCreated, b)
}

func (h *Handler) ListBatches(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListBatches(c.Request().Context(),
		c.QueryParam("hmo_name"), c.QueryParam("status"), pg.Limit, pg.Offset)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.GetBatch(c.Request().Context(), id)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) EligibleInvoices(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	items, err := h.svc.EligibleInvoices(c.Request().Context(), id, limit)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type addInvoicesRequest struct {
	InvoiceIDs []uuid.UUID `json:"invoice_ids" validate:"required,min=1"`
}

func (h *Handler) AddInvoices(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req addInvoicesRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	added, err := h.svc.AddInvoices(c.Request().Context(), id, req.InvoiceIDs, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"added": added})
}

func (h *Handler) SubmitBatch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	b, err := h.svc.Submit(c.Request().Context(), id, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type markPaidRequest struct {
	Reference string `json:"reference" validate:"max=80"`
}

func (h *Handler) MarkBatchPaid(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req markPaidRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	posted, err := h.svc.MarkPaid(c.Request().Context(), id, req.Reference, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"posted":    posted,
		"reference": SettlementReference(id, req.Reference),
	})
}

func (h *Handler) ExportBatch(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	// A missing batch answers 404 before any CSV is written.
	if _, err := h.svc.GetBatch(c.Request().Context(), id); err != nil {
		return toHTTPError(err)
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		`attachment; filename="`+h.svc.ExportFilename(id)+`"`)
	c.Response().WriteHeader(http.StatusOK)
	return h.svc.ExportCSV(c.Request().Context(), id, c.Response())
}

// -- Follow-ups & dashboard --

func (h *Handler) RunSweep(c echo.Context) error {
	summary, err := h.svc.RunFollowUpSweep(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) ListDueFollowUps(c echo.Context) error {
	today, err := parseDate(c, "today")
	if err != nil {
		return err
	}
	items, err := h.svc.ListDueFollowUps(c.Request().Context(), today)
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type followUpRequest struct {
	Status         string  `json:"status" validate:"omitempty,oneof=OPEN REMINDED REINDED ESCALATED SETTLED"`
	Notes          *string `json:"notes"`
	NextFollowUpAt *string `json:"next_follow_up_at" validate:"omitempty,datetime=2006-01-02"`
	OwnerID        *string `json:"owner_id"`
}

func (h *Handler) UpdateFollowUp(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req followUpRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	in := FollowUpUpdate{Status: req.Status, Notes: req.Notes, OwnerID: req.OwnerID}
	if req.NextFollowUpAt != nil && *req.NextFollowUpAt != "" {
		next, err := time.Parse(dateLayout, *req.NextFollowUpAt)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid next_follow_up_at: expected YYYY-MM-DD")
		}
		in.NextFollowUpAt = &next
	}
	f, err := h.svc.UpdateFollowUp(c.Request().Context(), id, in, actor(c))
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, f)
}

func (h *Handler) Dashboard(c echo.Context) error {
	d, err := h.svc.Dashboard(c.Request().Context())
	if err != nil {
		return toHTTPError(err)
	}
	return c.JSON(http.StatusOK, d)
}
