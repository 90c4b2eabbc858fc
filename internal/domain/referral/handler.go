package referral

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/homecare/referrals/internal/platform/auth"
	"github.com/homecare/referrals/pkg/pagination"
)

// RoleStaff is the token role required for the triage endpoints.
const RoleStaff = "staff"

const (
	msgValidation     = "Please correct the highlighted fields and submit again."
	msgStatusNotFound = "No matching referral found. Please check the ID and date of birth."
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the public intake and status routes on public and
// the triage routes on staff. statusMW wraps only the public status check.
func (h *Handler) RegisterRoutes(public, staff *echo.Group, statusMW ...echo.MiddlewareFunc) {
	public.POST("/referrals", h.Submit)
	public.POST("/status", h.CheckStatus, statusMW...)

	g := staff.Group("", auth.RequireRole(RoleStaff))
	g.GET("/referrals", h.List)
	g.GET("/referrals/search", h.Search)
	g.GET("/referrals/:id", h.Get)
	g.POST("/referrals/:id/status", h.ChangeStatus)
	g.POST("/referrals/:id/notes", h.AddNote)
}

type submitResponse struct {
	ID       string `json:"id"`
	Status   Status `json:"status"`
	Location string `json:"location"`
}

func (h *Handler) Submit(c echo.Context) error {
	form, files, err := readSubmission(c)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "invalid form body")
	}
	r, err := h.svc.Submit(c.Request().Context(), Submission{Form: form, Files: files})
	if err != nil {
		return httpError(err)
	}
	loc := "/refer/success/" + r.ID
	c.Response().Header().Set(echo.HeaderLocation, loc)
	return c.JSON(http.StatusCreated, submitResponse{ID: r.ID, Status: r.Status, Location: loc})
}

// readSubmission accepts multipart or urlencoded bodies. Only multipart
// bodies carry attachments.
func readSubmission(c echo.Context) (map[string][]string, []Attachment, error) {
	ct := c.Request().Header.Get(echo.HeaderContentType)
	if !strings.HasPrefix(ct, echo.MIMEMultipartForm) {
		values, err := c.FormParams()
		if err != nil {
			return nil, nil, fmt.Errorf("parse form: %w", err)
		}
		return values, nil, nil
	}

	mf, err := c.MultipartForm()
	if err != nil {
		return nil, nil, fmt.Errorf("parse multipart form: %w", err)
	}
	var files []Attachment
	for _, field := range []string{FieldReferralDocuments, FieldProgressNotes} {
		for _, fh := range mf.File[field] {
			a, err := readPart(field, fh)
			if err != nil {
				return nil, nil, err
			}
			files = append(files, a)
		}
	}
	return mf.Value, files, nil
}

func readPart(field string, fh *multipart.FileHeader) (Attachment, error) {
	f, err := fh.Open()
	if err != nil {
		return Attachment{}, fmt.Errorf("open attachment %q: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return Attachment{}, fmt.Errorf("read attachment %q: %w", fh.Filename, err)
	}
	return Attachment{
		Field:       field,
		Name:        fh.Filename,
		ContentType: fh.Header.Get(echo.HeaderContentType),
		Data:        data,
	}, nil
}

type statusRequest struct {
	ReferralID   string `json:"referralId" form:"referralId"`
	PatientDOB   string `json:"patientDOB" form:"patientDOB"`
	OptionalNote string `json:"optionalNote" form:"optionalNote"`
}

func (h *Handler) CheckStatus(c echo.Context) error {
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ReferralID) == "" || strings.TrimSpace(req.PatientDOB) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "referral ID and date of birth are required")
	}
	res, err := h.svc.CheckStatus(c.Request().Context(), req.ReferralID, req.PatientDOB, req.OptionalNote)
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, msgStatusNotFound)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) List(c echo.Context) error {
	items, err := h.svc.ListReferrals(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Search(c echo.Context) error {
	pg := pagination.FromContext(c)
	params := SearchParams{Query: c.QueryParam("q"), Limit: pg.Limit, Offset: pg.Offset}
	if v := c.QueryParam("status"); v != "" {
		s, ok := ParseStatus(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+v)
		}
		params.Status = s
	}
	items, total, err := h.svc.SearchReferrals(c.Request().Context(), params)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset).
		WithLinks(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c echo.Context) error {
	r, err := h.svc.GetReferral(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type changeStatusRequest struct {
	Status string `json:"status" form:"status"`
	Notes  string `json:"notes" form:"notes"`
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	var req changeStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	s, ok := ParseStatus(req.Status)
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid status: "+req.Status)
	}
	r, err := h.svc.ChangeStatus(c.Request().Context(), c.Param("id"), s, req.Notes)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

type addNoteRequest struct {
	Note string `json:"note" form:"note"`
}

func (h *Handler) AddNote(c echo.Context) error {
	var req addNoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	author := auth.AuthorFromContext(c.Request().Context())
	r, err := h.svc.AddNote(c.Request().Context(), c.Param("id"), req.Note, author)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, r)
}

// httpError maps service errors to HTTP errors. Unknown errors become a
// 500 with the cause kept as the internal error for logging.
func httpError(err error) error {
	var verr *ValidationError
	var uerr *AttachmentUploadError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]any{
			"message": msgValidation,
			"errors":  verr.Fields,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "referral not found")
	case errors.Is(err, ErrPermissionDenied):
		return echo.NewHTTPError(http.StatusForbidden, "permission denied").SetInternal(err)
	case errors.As(err, &uerr):
		return echo.NewHTTPError(http.StatusServiceUnavailable,
			"We could not store your attachments. Please try again.").SetInternal(err)
	case errors.Is(err, ErrSummaryGeneration):
		return echo.NewHTTPError(http.StatusBadGateway,
			"We could not prepare the referral summary. Please try again.").SetInternal(err)
	case errors.Is(err, ErrEmptyNote), errors.Is(err, ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}
