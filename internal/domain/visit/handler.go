package visit

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

	"github.com/edh/hms/internal/domain/billing"
	"github.com/edh/hms/internal/platform/apperr"
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
	// Read endpoints – all clinical and billing staff
	read := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleDoctor, auth.RoleNurse,
		auth.RolePharmacy, auth.RoleLab, auth.RoleBilling))
	read.GET("/visits", h.ListVisits)
	read.GET("/visits/:id", h.GetVisit)
	read.GET("/drugs", h.ListDrugs)
	read.GET("/lab-tests", h.ListLabTests)

	// Registration desk – front desk, nurse, doctor
	desk := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleNurse, auth.RoleDoctor))
	desk.POST("/visits", h.StartVisit)
	desk.POST("/visits/:id/send-to-doctor", h.SendToDoctor)

	// Consultation – doctor
	doc := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doc.POST("/visits/:id/take", h.TakeCase)
	doc.PUT("/visits/:id/consultation", h.UpdateConsultation)
	doc.POST("/visits/:id/close", h.CloseVisit)
	doc.POST("/visits/:id/prescriptions", h.AddPrescription)
	doc.POST("/visits/:id/lab-requests", h.AddLabRequest)

	// Pharmacy – pharmacy, doctor (cancel only)
	rx := api.Group("", auth.RequireRole(auth.RolePharmacy, auth.RoleDoctor))
	rx.GET("/pharmacy/queue", h.PharmacyQueue)
	rx.PATCH("/prescriptions/:id", h.UpdatePrescriptionStatus)
	rx.POST("/drugs", h.CreateDrug)

	// Laboratory – lab
	lab := api.Group("", auth.RequireRole(auth.RoleLab))
	lab.POST("/lab-requests/:id/collect", h.CollectSample)
	lab.POST("/lab-requests/:id/result", h.RecordLabResult)
	lab.POST("/lab-tests", h.CreateLabTest)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
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

func parseBool(c echo.Context, name string) (bool, error) {
	v := c.QueryParam(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name+" flag")
	}
	return b, nil
}

// -- Visits --

type startVisitRequest struct {
	PatientID      uuid.UUID `json:"patient_id" validate:"required"`
	VisitType      string    `json:"visit_type" validate:"omitempty,oneof=OPD ER FU ADM"`
	ChiefComplaint string    `json:"chief_complaint" validate:"max=255"`
}

func (h *Handler) StartVisit(c echo.Context) error {
	var req startVisitRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	v := &Visit{PatientID: req.PatientID, VisitType: req.VisitType, ChiefComplaint: req.ChiefComplaint}
	if err := h.svc.StartVisit(c.Request().Context(), v, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, v)
}

func (h *Handler) GetVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := h.svc.GetVisit(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) ListVisits(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := VisitFilter{
		Status:   c.QueryParam("status"),
		DoctorID: c.QueryParam("doctor_id"),
	}
	if v := c.QueryParam("patient_id"); v != "" {
		pid, err := uuid.Parse(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = &pid
	}
	active, err := parseBool(c, "active")
	if err != nil {
		return err
	}
	f.Active = active
	items, total, err := h.svc.ListVisits(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) visitAction(c echo.Context, fn func(id uuid.UUID) (*Visit, error)) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, err := fn(id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, v)
}

func (h *Handler) SendToDoctor(c echo.Context) error {
	return h.visitAction(c, func(id uuid.UUID) (*Visit, error) {
		return h.svc.SendToDoctor(c.Request().Context(), id, actor(c))
	})
}

func (h *Handler) TakeCase(c echo.Context) error {
	return h.visitAction(c, func(id uuid.UUID) (*Visit, error) {
		return h.svc.TakeCase(c.Request().Context(), id, actor(c))
	})
}

type consultationRequest struct {
	ChiefComplaint string `json:"chief_complaint" validate:"max=255"`
	Diagnosis      string `json:"diagnosis" validate:"max=255"`
}

func (h *Handler) UpdateConsultation(c echo.Context) error {
	var req consultationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	return h.visitAction(c, func(id uuid.UUID) (*Visit, error) {
		return h.svc.UpdateConsultation(c.Request().Context(), id, req.ChiefComplaint, req.Diagnosis, actor(c))
	})
}

type closeVisitResponse struct {
	Visit   *Visit           `json:"visit"`
	Invoice *billing.Invoice `json:"invoice"`
}

func (h *Handler) CloseVisit(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	v, inv, err := h.svc.CloseVisit(c.Request().Context(), id, actor(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, closeVisitResponse{Visit: v, Invoice: inv})
}

// -- Orders --

type prescriptionRequest struct {
	DrugID       uuid.UUID `json:"drug_id" validate:"required"`
	Quantity     int       `json:"quantity" validate:"gte=0"`
	Dose         string    `json:"dose" validate:"max=80"`
	Frequency    string    `json:"frequency" validate:"max=80"`
	Duration     string    `json:"duration" validate:"max=80"`
	Instructions string    `json:"instructions" validate:"max=255"`
}

func (h *Handler) AddPrescription(c echo.Context) error {
	visitID, err := parseID(c)
	if err != nil {
		return err
	}
	var req prescriptionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p := &Prescription{
		VisitID:      visitID,
		DrugID:       req.DrugID,
		Quantity:     req.Quantity,
		Dose:         req.Dose,
		Frequency:    req.Frequency,
		Duration:     req.Duration,
		Instructions: req.Instructions,
	}
	if err := h.svc.AddPrescription(c.Request().Context(), p, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

type prescriptionStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (h *Handler) UpdatePrescriptionStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req prescriptionStatusRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdatePrescriptionStatus(c.Request().Context(), id, req.Status, actor(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) PharmacyQueue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.PharmacyQueue(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type labRequestRequest struct {
	LabTestID uuid.UUID `json:"lab_test_id" validate:"required"`
	Priority  string    `json:"priority"`
}

func (h *Handler) AddLabRequest(c echo.Context) error {
	visitID, err := parseID(c)
	if err != nil {
		return err
	}
	var req labRequestRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r := &LabRequest{VisitID: visitID, LabTestID: req.LabTestID, Priority: req.Priority}
	if err := h.svc.AddLabRequest(c.Request().Context(), r, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) CollectSample(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	r, err := h.svc.CollectSample(c.Request().Context(), id, actor(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type labResultRequest struct {
	ResultText string `json:"result_text" validate:"required"`
}

func (h *Handler) RecordLabResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req labResultRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	r, err := h.svc.RecordLabResult(c.Request().Context(), id, req.ResultText, actor(c))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// -- Catalog --

type drugRequest struct {
	Name       string          `json:"name" validate:"required,max=180"`
	Strength   string          `json:"strength" validate:"max=80"`
	DosageForm string          `json:"dosage_form" validate:"max=80"`
	Price      decimal.Decimal `json:"price"`
}

func (h *Handler) CreateDrug(c echo.Context) error {
	var req drugRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	d := &Drug{Name: req.Name, Strength: req.Strength, DosageForm: req.DosageForm, Price: req.Price}
	if err := h.svc.CreateDrug(c.Request().Context(), d, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDrugs(c echo.Context) error {
	activeOnly, err := parseBool(c, "active")
	if err != nil {
		return err
	}
	items, err := h.svc.ListDrugs(c.Request().Context(), c.QueryParam("q"), activeOnly)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type labTestRequest struct {
	Name     string `json:"name" validate:"required,max=180"`
	Category string `json:"category" validate:"max=80"`
}

func (h *Handler) CreateLabTest(c echo.Context) error {
	var req labTestRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	t := &LabTest{Name: req.Name, Category: req.Category}
	if err := h.svc.CreateLabTest(c.Request().Context(), t, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListLabTests(c echo.Context) error {
	activeOnly, err := parseBool(c, "active")
	if err != nil {
		return err
	}
	items, err := h.svc.ListLabTests(c.Request().Context(), activeOnly)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}
