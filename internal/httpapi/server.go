package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pdks/engine/internal/pdks/attendance"
	"github.com/pdks/engine/internal/pdks/service"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/transport"
)

type Dependencies struct {
	Logger *zap.SugaredLogger
	Addr   string
	// Location is the timezone report dates are read in.
	Location *time.Location

	Sync        *service.SyncService
	Enrollment  *service.EnrollmentService
	DeviceOps   *service.DeviceOps
	Attendance  *attendance.Engine
	SyncHistory store.SyncHistoryStore
}

type Server struct {
	httpServer *http.Server
	logger     *zap.SugaredLogger
	loc        *time.Location

	sync        *service.SyncService
	enrollment  *service.EnrollmentService
	ops         *service.DeviceOps
	attendance  *attendance.Engine
	syncHistory store.SyncHistoryStore
}

func NewServer(d Dependencies) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop().Sugar()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	s := &Server{
		logger:      d.Logger,
		loc:         d.Location,
		sync:        d.Sync,
		enrollment:  d.Enrollment,
		ops:         d.DeviceOps,
		attendance:  d.Attendance,
		syncHistory: d.SyncHistory,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, loggingMiddleware(d.Logger))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/devices/sync-all", s.handleSyncAll)
		r.Route("/devices/{id}", func(r chi.Router) {
			r.Post("/sync", s.handleSyncDevice)
			r.Post("/test", s.handleTestConnection)
			r.Post("/enroll-all", s.handleEnrollAll)
			r.Get("/info", s.handleDeviceInfo)
			r.Get("/users", s.handleDeviceUsers)
		})
		r.Get("/sync-history", s.handleSyncHistory)

		r.Route("/personnel/{id}", func(r chi.Router) {
			r.Post("/enroll", s.handleEnroll)
			r.Post("/unassign", s.handleUnassign)
			r.Post("/assign-location/{locationId}", s.handleAssignLocation)
		})
		r.Post("/temp-cards/{id}/issue", s.handleIssueTempCard)
		r.Post("/temp-cards/{id}/revoke", s.handleRevokeTempCard)

		r.Route("/reports", func(r chi.Router) {
			r.Get("/daily", s.handleDailyReport)
			r.Get("/monthly", s.handleMonthlyReport)
			r.Get("/department", s.handleDepartmentReport)
			r.Get("/paired", s.handlePairedReport)
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func pathID(r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	return id, err == nil && id > 0
}

// fail maps an error from the core to a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownDevice):
		writeError(w, r, http.StatusNotFound, "unknown_device", err.Error())
	case errors.Is(err, service.ErrUnknownPersonnel):
		writeError(w, r, http.StatusNotFound, "unknown_personnel", err.Error())
	case errors.Is(err, service.ErrUnknownLocation), errors.Is(err, attendance.ErrUnknownLocation):
		writeError(w, r, http.StatusNotFound, "unknown_location", err.Error())
	case errors.Is(err, service.ErrUnknownTempCard):
		writeError(w, r, http.StatusNotFound, "unknown_temp_card", err.Error())
	case errors.Is(err, service.ErrInactiveDevice):
		writeError(w, r, http.StatusConflict, "inactive_device", err.Error())
	case errors.Is(err, service.ErrInvalidArgument), errors.Is(err, attendance.ErrInvalidRange):
		writeError(w, r, http.StatusBadRequest, "invalid_argument", err.Error())
	case transport.KindOf(err) == transport.KindTimeout:
		writeError(w, r, http.StatusGatewayTimeout, "device_timeout", err.Error())
	case transport.KindOf(err) != 0:
		writeError(w, r, http.StatusBadGateway, "device_error", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, "cancelled", err.Error())
	default:
		s.logger.Errorw("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

func badRequest(w http.ResponseWriter, r *http.Request, code, msg string) {
	writeError(w, r, http.StatusBadRequest, code, msg)
}
