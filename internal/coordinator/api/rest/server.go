package rest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
)

const (
	defaultPageSize    = 20
	healthCheckTimeout = 2 * time.Second

	healthHealthy  = "healthy"
	healthDegraded = "degraded"
)

// HealthCheck is a dependency reported by GET /health.
type HealthCheck interface {
	Ping(ctx context.Context) error
}

type API struct {
	jobs     core.JobService
	health   map[string]HealthCheck
	validate *validator.Validate
	logger   logging.Logger
}

func NewAPI(jobs core.JobService, health map[string]HealthCheck, logger logging.Logger) *API {
	return &API{
		jobs:     jobs,
		health:   health,
		validate: newValidator(),
		logger:   logger,
	}
}

// Routes mounts the job API under /v1 behind auth. Health and metrics stay
// public.
func (a *API) Routes(auth *Authenticator, maxBodyBytes int64) chi.Router {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		LoggingMiddleware(a.logger),
		RecoveryMiddleware(a.logger),
	)
	if maxBodyBytes > 0 {
		r.Use(middleware.RequestSize(maxBodyBytes))
	}

	r.Get("/health", a.healthCheck)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth.Middleware)

		r.Post("/jobs", a.createJob)
		r.Get("/jobs", a.listJobs)
		r.Get("/jobs/{id}", a.getJob)
		r.Delete("/jobs/{id}", a.deleteJob)
		r.Post("/jobs/{id}/cancel", a.cancelJob)
		r.Get("/jobs/{id}/results", a.getResults)

		r.Post("/uploads", a.reserveUploads)
		r.Post("/uploads/{id}/confirm", a.confirmUploads)
	})
	return r
}

func (a *API) createJob(w http.ResponseWriter, r *http.Request) {
	var body CreateJobRequest
	if err := a.decode(r, &body); err != nil {
		a.respondError(w, r, err)
		return
	}
	job, err := a.jobs.CreateJob(r.Context(), owner(r), body.ToCore())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewJobCreatedResponse(job))
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	q, err := parseListQuery(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.validate.Struct(q); err != nil {
		a.respondError(w, r, validationError(err))
		return
	}

	filter := core.JobFilter{
		Limit:  q.PageSize,
		Offset: (q.Page - 1) * q.PageSize,
	}
	if q.Status != "" {
		status := core.JobStatus(q.Status)
		filter.Status = &status
	}
	jobs, total, err := a.jobs.ListJobs(r.Context(), owner(r), filter)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewListJobsResponse(jobs, total, q))
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	view, err := a.jobs.GetJob(r.Context(), owner(r), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewJobResponse(view.Job, view.Tasks))
}

func (a *API) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	job, err := a.jobs.CancelJob(r.Context(), owner(r), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewJobResponse(job, nil))
}

// deleteJob cancels the job; the record itself is kept until retention
// purges it.
func (a *API) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	if _, err := a.jobs.CancelJob(r.Context(), owner(r), id); err != nil {
		a.respondError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

func (a *API) getResults(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	view, err := a.jobs.GetJob(r.Context(), owner(r), id)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewResultsResponse(view))
}

func (a *API) reserveUploads(w http.ResponseWriter, r *http.Request) {
	var body ReserveUploadsRequest
	if err := a.decode(r, &body); err != nil {
		a.respondError(w, r, err)
		return
	}
	res, err := a.jobs.ReserveUploads(r.Context(), owner(r), body.ToCore())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewReservationResponse(res))
}

func (a *API) confirmUploads(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	var body ConfirmUploadsRequest
	if err := a.decode(r, &body); err != nil {
		a.respondError(w, r, err)
		return
	}
	if err := a.validate.Struct(&body); err != nil {
		a.respondError(w, r, validationError(err))
		return
	}
	if body.JobID != "" && body.JobID != id.String() {
		a.respondError(w, r, core.NewValidationError("job_id", "does not match the upload job %s", id))
		return
	}
	job, err := a.jobs.ConfirmUploads(r.Context(), owner(r), id, body.ToCore())
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	_ = render.Render(w, r, NewJobResponse(job, nil))
}

func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	resp := &HealthResponse{
		Status:     healthHealthy,
		Components: make(map[string]string, len(a.health)),
	}
	for name, check := range a.health {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := check.Ping(ctx)
		cancel()
		if err != nil {
			a.logger.Warn("Health check failed", "component", name, "error", err)
			resp.Status = healthDegraded
			resp.Components[name] = "unavailable"
			continue
		}
		resp.Components[name] = "ok"
	}
	_ = render.Render(w, r, resp)
}

func (a *API) decode(r *http.Request, v any) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.NewValidationError("", "request body exceeds %d bytes", tooLarge.Limit)
		}
		return core.NewValidationError("", "invalid request body: %v", err)
	}
	return nil
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		a.logger.Error("Request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		err = errors.New("internal server error")
	}
	_ = render.Render(w, r, NewErrorResponse(code, err))
}

func owner(r *http.Request) *core.Identity {
	id, _ := IdentityFromContext(r.Context())
	return id
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, core.NewValidationError("id", "must be a UUID")
	}
	return id, nil
}

func parseListQuery(r *http.Request) (listJobsQuery, error) {
	q := listJobsQuery{
		Status:   r.URL.Query().Get("status"),
		Page:     1,
		PageSize: defaultPageSize,
	}
	for name, dst := range map[string]*int{"page": &q.Page, "page_size": &q.PageSize} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return q, core.NewValidationError(name, "must be an integer")
		}
		*dst = n
	}
	return q, nil
}

func NewServer(cfg config.RESTConfig, api *API, auth *Authenticator) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.Routes(auth, cfg.MaxBodyBytes),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func Run(ctx context.Context, srv *http.Server, logger logging.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("REST server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("rest server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.SetKeepAlivesEnabled(false)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("rest server shutdown: %w", err)
	}
	logger.Info("REST server stopped")
	return nil
}
