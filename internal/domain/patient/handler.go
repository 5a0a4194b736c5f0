package patient

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	// Read endpoints – front desk, doctor, nurse, pharmacy, lab, billing
	read := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleDoctor, auth.RoleNurse,
		auth.RolePharmacy, auth.RoleLab, auth.RoleBilling))
	read.GET("/patients", h.SearchPatients)
	read.GET("/patients/:id", h.GetPatient)
	read.GET("/hmos", h.ListHMOs)
	read.GET("/hmos/:id", h.GetHMO)

	// Write endpoints – front desk, billing
	write := api.Group("", auth.RequireRole(auth.RoleFrontDesk, auth.RoleBilling))
	write.POST("/patients", h.RegisterPatient)
	write.PUT("/patients/:id", h.UpdatePatient)

	// HMO registry – billing
	hmo := api.Group("", auth.RequireRole(auth.RoleBilling))
	hmo.POST("/hmos", h.CreateHMO)
	hmo.PATCH("/hmos/:id", h.SetHMOActive)
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

// -- Patients --

type patientRequest struct {
	FirstName      string     `json:"first_name" validate:"required,max=60"`
	LastName       string     `json:"last_name" validate:"required,max=60"`
	OtherNames     string     `json:"other_names" validate:"max=60"`
	Gender         string     `json:"gender" validate:"max=10"`
	DateOfBirth    string     `json:"date_of_birth"`
	Phone          string     `json:"phone" validate:"max=30"`
	Email          string     `json:"email" validate:"omitempty,email,max=254"`
	Address        string     `json:"address"`
	IsHMO          bool       `json:"is_hmo"`
	HMOID          *uuid.UUID `json:"hmo_id"`
	HMOIDNumber    string     `json:"hmo_id_number" validate:"max=60"`
	NextOfKinName  string     `json:"next_of_kin_name" validate:"max=120"`
	NextOfKinPhone string     `json:"next_of_kin_phone" validate:"max=30"`
}

func (r *patientRequest) toPatient() (*Patient, error) {
	p := &Patient{
		FirstName:      r.FirstName,
		LastName:       r.LastName,
		OtherNames:     r.OtherNames,
		Gender:         r.Gender,
		Phone:          r.Phone,
		Email:          r.Email,
		Address:        r.Address,
		IsHMO:          r.IsHMO,
		HMOID:          r.HMOID,
		HMOIDNumber:    r.HMOIDNumber,
		NextOfKinName:  r.NextOfKinName,
		NextOfKinPhone: r.NextOfKinPhone,
	}
	if r.DateOfBirth != "" {
		dob, err := time.Parse("2006-01-02", r.DateOfBirth)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "invalid date_of_birth: expected YYYY-MM-DD")
		}
		p.DateOfBirth = &dob
	}
	return p, nil
}

func (h *Handler) RegisterPatient(c echo.Context) error {
	var req patientRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := req.toPatient()
	if err != nil {
		return err
	}
	if err := h.svc.RegisterPatient(c.Request().Context(), p, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// SearchPatients answers ?q= by name, phone or hospital number. An exact
// ?hospital_number= returns a single patient.
func (h *Handler) SearchPatients(c echo.Context) error {
	if number := c.QueryParam("hospital_number"); number != "" {
		p, err := h.svc.GetPatientByHospitalNumber(c.Request().Context(), number)
		if err != nil {
			return apperr.HTTPError(err)
		}
		return c.JSON(http.StatusOK, p)
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req patientRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := req.toPatient()
	if err != nil {
		return err
	}
	p.ID = id
	if err := h.svc.UpdatePatient(c.Request().Context(), p, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- HMOs --

type hmoRequest struct {
	Name          string `json:"name" validate:"required,max=120"`
	ContactPerson string `json:"contact_person" validate:"max=120"`
	ContactPhone  string `json:"contact_phone" validate:"max=30"`
	Email         string `json:"email" validate:"omitempty,email,max=254"`
	Address       string `json:"address"`
}

func (h *Handler) CreateHMO(c echo.Context) error {
	var req hmoRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	hmo := &HMO{
		Name:          req.Name,
		ContactPerson: req.ContactPerson,
		ContactPhone:  req.ContactPhone,
		Email:         req.Email,
		Address:       req.Address,
	}
	if err := h.svc.CreateHMO(c.Request().Context(), hmo, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, hmo)
}

func (h *Handler) GetHMO(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	hmo, err := h.svc.GetHMO(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hmo)
}

func (h *Handler) ListHMOs(c echo.Context) error {
	activeOnly := false
	if v := c.QueryParam("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid active flag")
		}
		activeOnly = b
	}
	items, err := h.svc.ListHMOs(c.Request().Context(), activeOnly)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type hmoActiveRequest struct {
	Active *bool `json:"active" validate:"required"`
}

func (h *Handler) SetHMOActive(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req hmoActiveRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	if req.Active == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "active is required")
	}
	if err := h.svc.SetHMOActive(c.Request().Context(), id, *req.Active, actor(c)); err != nil {
		return apperr.HTTPError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
