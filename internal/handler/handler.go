// Package handler exposes the records service over the REST API.
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/apperrors"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/auth"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/model"
	"github.com/MuhammedAman113114/darul-irshad-clean-sub002/internal/records"
)

type Handler struct {
	svc    *records.Service
	signer *auth.Signer
	log    zerolog.Logger
}

func New(svc *records.Service, signer *auth.Signer, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, signer: signer, log: log}
}

// Register mounts the API under /api. Everything except device
// registration requires a bearer token; extra middleware runs after auth.
func (h *Handler) Register(r gin.IRouter, extra ...gin.HandlerFunc) {
	r.POST("/api/devices/register", h.RegisterDevice)

	api := r.Group("/api", append([]gin.HandlerFunc{auth.BearerAuth(h.signer)}, extra...)...)
	{
		api.GET("/students", h.ListStudents)
		api.POST("/students", h.CreateStudent)
		api.PUT("/students/:id", h.UpdateStudent)
		api.DELETE("/students/:id", h.DeleteStudent)

		api.GET("/attendance", h.ListAttendance)
		api.POST("/attendance", h.SaveAttendance)

		api.GET("/namaz-attendance", h.ListNamaz)
		api.POST("/namaz-attendance", h.SaveNamaz)

		api.GET("/leaves", h.ListLeaves)
		api.POST("/leaves", h.CreateLeave)
		api.PUT("/leaves/:id", h.UpdateLeave)
		api.POST("/leaves/:id/cancel", h.CancelLeave)

		api.GET("/holidays", h.ListHolidays)
		api.POST("/holidays", h.CreateHoliday)
		api.PUT("/holidays/:id", h.UpdateHoliday)
		api.DELETE("/holidays/:id", h.DeleteHoliday)
	}
}

// ---------- Devices ----------

type registerRequest struct {
	DeviceID string `json:"device_id" binding:"required"`
}

func (h *Handler) RegisterDevice(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	if err := h.svc.RegisterDevice(ctx, req.DeviceID); err != nil {
		h.fail(c, err)
		return
	}
	tokens, err := h.signer.Issue(req.DeviceID, auth.RoleDevice)
	if err != nil {
		h.log.Error().Err(err).Msg("token issue failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	if err := h.svc.SaveRefreshToken(ctx, req.DeviceID, tokens.RefreshToken, tokens.RefreshExp); err != nil {
		h.log.Warn().Err(err).Str("device", req.DeviceID).Msg("refresh token not stored")
	}
	c.JSON(http.StatusCreated, tokens)
}

// ---------- Students ----------

func studentFilter(c *gin.Context) records.StudentFilter {
	year, _ := strconv.Atoi(c.Query("year"))
	return records.StudentFilter{
		CourseType: model.CourseType(c.Query("courseType")),
		Year:       year,
		Division:   model.Division(c.Query("courseDivision")),
		Section:    c.Query("section"),
	}
}

func (h *Handler) ListStudents(c *gin.Context) {
	students, err := h.svc.ListStudents(c.Request.Context(), studentFilter(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"students": nonNil(students)})
}

func (h *Handler) CreateStudent(c *gin.Context) {
	var st model.Student
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st.ID = 0
	saved, err := h.svc.SaveStudent(c.Request.Context(), st)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"student": saved})
}

func (h *Handler) UpdateStudent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var st model.Student
	if err := c.ShouldBindJSON(&st); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st.ID = id
	saved, err := h.svc.SaveStudent(c.Request.Context(), st)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"student": saved})
}

func (h *Handler) DeleteStudent(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteStudent(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- Attendance ----------

func (h *Handler) ListAttendance(c *gin.Context) {
	period, _ := strconv.Atoi(c.Query("period"))
	studentID, _ := strconv.ParseInt(c.Query("studentId"), 10, 64)
	recs, err := h.svc.ListAttendance(c.Request.Context(), records.AttendanceFilter{
		StudentFilter: studentFilter(c),
		Date:          c.Query("date"),
		Period:        period,
		StudentID:     studentID,
		From:          c.Query("from"),
		To:            c.Query("to"),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": nonNil(recs)})
}

func (h *Handler) SaveAttendance(c *gin.Context) {
	var sheet model.AttendanceSheet
	if err := c.ShouldBindJSON(&sheet); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.svc.SaveAttendance(c.Request.Context(), sheet)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": nonNil(saved)})
}

func (h *Handler) ListNamaz(c *gin.Context) {
	recs, err := h.svc.ListNamaz(c.Request.Context(), c.Query("date"), model.Prayer(c.Query("prayer")))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": nonNil(recs)})
}

func (h *Handler) SaveNamaz(c *gin.Context) {
	var sheet model.NamazSheet
	if err := c.ShouldBindJSON(&sheet); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	saved, err := h.svc.SaveNamaz(c.Request.Context(), sheet)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"records": nonNil(saved)})
}

// ---------- Leaves ----------

func (h *Handler) ListLeaves(c *gin.Context) {
	studentID, _ := strconv.ParseInt(c.Query("studentId"), 10, 64)
	leaves, err := h.svc.ListLeaves(c.Request.Context(), records.LeaveFilter{
		StudentID: studentID,
		Status:    model.LeaveStatus(c.Query("status")),
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaves": nonNil(leaves)})
}

func (h *Handler) CreateLeave(c *gin.Context) {
	var l model.LeaveRecord
	if err := c.ShouldBindJSON(&l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l.ID = 0
	saved, err := h.svc.CreateLeave(c.Request.Context(), l)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"leave": saved})
}

func (h *Handler) UpdateLeave(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var l model.LeaveRecord
	if err := c.ShouldBindJSON(&l); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	l.ID = id
	saved, err := h.svc.UpdateLeave(c.Request.Context(), l)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leave": saved})
}

func (h *Handler) CancelLeave(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	l, err := h.svc.CancelLeave(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leave": l})
}

// ---------- Holidays ----------

func (h *Handler) ListHolidays(c *gin.Context) {
	holidays, err := h.svc.ListHolidays(c.Request.Context(), c.Query("includeDeleted") == "true")
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holidays": nonNil(holidays)})
}

func (h *Handler) CreateHoliday(c *gin.Context) {
	var hol model.Holiday
	if err := c.ShouldBindJSON(&hol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hol.ID = 0
	saved, err := h.svc.CreateHoliday(c.Request.Context(), hol)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"holiday": saved})
}

func (h *Handler) UpdateHoliday(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var hol model.Holiday
	if err := c.ShouldBindJSON(&hol); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	hol.ID = id
	saved, err := h.svc.UpdateHoliday(c.Request.Context(), hol)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"holiday": saved})
}

// DeleteHoliday answers 204 for a holiday that is already deleted.
func (h *Handler) DeleteHoliday(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.svc.DeleteHoliday(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ---------- helpers ----------

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperrors.ErrBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotFound):
		status = http.StatusNotFound
	case apperrors.Is(err, apperrors.ErrHoliday, apperrors.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
