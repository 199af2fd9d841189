package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"gpu-quota-service/internal/entity"
	"gpu-quota-service/internal/service"
)

type Handler struct {
	jobs       *service.JobService
	principals *service.PrincipalService
}

func NewHandler(jobs *service.JobService, principals *service.PrincipalService) *Handler {
	return &Handler{jobs: jobs, principals: principals}
}

type registerDTO struct {
	Name string `json:"name"`
}

type principalResp struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Role      string `json:"role"`
	Quota     int64  `json:"quota"`
	CreatedAt string `json:"created_at"`
}

type submitJobDTO struct {
	GPUType           string `json:"gpu_type"`
	GPUCount          int    `json:"gpu_count"`
	Command           string `json:"command"`
	EstimatedDuration int64  `json:"estimated_duration"`
}

type setStatusDTO struct {
	Status string `json:"status"`
}

type jobResp struct {
	ID                int64            `json:"id"`
	OwnerID           string           `json:"owner_id"`
	GPUType           string           `json:"gpu_type"`
	GPUCount          int              `json:"gpu_count"`
	Command           string           `json:"command"`
	EstimatedDuration int64            `json:"estimated_duration"`
	Status            entity.JobStatus `json:"status"`
	Error             *string          `json:"error,omitempty"`
	CreatedAt         string           `json:"created_at"`
	StartedAt         *string          `json:"started_at,omitempty"`
	CompletedAt       *string          `json:"completed_at,omitempty"`
}

func toPrincipalResp(p *entity.Principal) principalResp {
	return principalResp{
		ID:        p.ID.String(),
		Name:      p.Name,
		Role:      string(p.Role),
		Quota:     p.Quota,
		CreatedAt: p.CreatedAt.Format(time.RFC3339),
	}
}

func toJobResp(j *entity.Job) jobResp {
	resp := jobResp{
		ID:                j.ID,
		OwnerID:           j.OwnerID.String(),
		GPUType:           j.GPUType,
		GPUCount:          j.GPUCount,
		Command:           j.Command,
		EstimatedDuration: j.EstimatedDuration,
		Status:            j.Status,
		Error:             j.Error,
		CreatedAt:         j.CreatedAt.Format(time.RFC3339),
	}
	if j.StartedAt != nil {
		s := j.StartedAt.Format(time.RFC3339)
		resp.StartedAt = &s
	}
	if j.CompletedAt != nil {
		s := j.CompletedAt.Format(time.RFC3339)
		resp.CompletedAt = &s
	}
	return resp
}

func jobID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, err == nil && id > 0
}

// RegisterPrincipal godoc
// @Summary Register a principal
// @Description Creates a standard principal with the default quota grant.
// @Tags principals
// @Accept json
// @Produce json
// @Param request body registerDTO true "principal name"
// @Success 201 {object} principalResp
// @Failure 400 {object} apiError
// @Failure 409 {object} apiError
// @Router /principals [post]
func (h *Handler) RegisterPrincipal(w http.ResponseWriter, r *http.Request) {
	var dto registerDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	p, err := h.principals.Register(r.Context(), dto.Name, entity.RoleStandard)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPrincipalResp(p))
}

// Me godoc
// @Summary Current principal
// @Description Returns the caller with its latest quota balance.
// @Tags principals
// @Produce json
// @Param X-Principal-ID header string true "principal id"
// @Success 200 {object} principalResp
// @Failure 401 {object} apiError
// @Router /principals/me [get]
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	p := *principalFrom(r.Context())
	quota, err := h.jobs.GetPrincipalQuota(r.Context(), &p)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	p.Quota = quota
	writeJSON(w, http.StatusOK, toPrincipalResp(&p))
}

// SubmitJob godoc
// @Summary Submit a job
// @Description Validates the request, reserves estimated_duration from the caller's quota and stores the job as PENDING.
// @Tags jobs
// @Accept json
// @Produce json
// @Param X-Principal-ID header string true "principal id"
// @Param request body submitJobDTO true "job request"
// @Success 201 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	job, err := h.jobs.SubmitJob(r.Context(), principalFrom(r.Context()), service.SubmitRequest{
		GPUType:           dto.GPUType,
		GPUCount:          dto.GPUCount,
		Command:           dto.Command,
		EstimatedDuration: dto.EstimatedDuration,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResp(job))
}

// ListJobs godoc
// @Summary List jobs
// @Description Privileged callers see every job, others only their own. Optional status filter.
// @Tags jobs
// @Produce json
// @Param X-Principal-ID header string true "principal id"
// @Param status query string false "PENDING, APPROVED, RUNNING, COMPLETED or FAILED"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Failure 401 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var statuses []entity.JobStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		st, err := entity.ParseJobStatus(raw)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
		statuses = append(statuses, st)
	}

	jobs, err := h.jobs.ListJobs(r.Context(), principalFrom(r.Context()), statuses...)
	if err != nil {
		writeServiceErr(w, err)
		return
	}

	resp := make([]jobResp, 0, len(jobs))
	for i := range jobs {
		resp = append(resp, toJobResp(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param X-Principal-ID header string true "principal id"
// @Param id path int true "job id"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	job, err := h.jobs.GetJob(r.Context(), principalFrom(r.Context()), id)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(job))
}

// SetJobStatus godoc
// @Summary Approve or reject a job
// @Description Privileged only. Moves a PENDING or APPROVED job to APPROVED or FAILED. Quota is not refunded.
// @Tags jobs
// @Accept json
// @Produce json
// @Param X-Principal-ID header string true "principal id"
// @Param id path int true "job id"
// @Param request body setStatusDTO true "APPROVED or FAILED"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Failure 409 {object} apiError
// @Router /jobs/{id}/status [put]
func (h *Handler) SetJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}
	var dto setStatusDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	next, err := entity.ParseJobStatus(dto.Status)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	job, err := h.jobs.SetJobStatus(r.Context(), principalFrom(r.Context()), id, next)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(job))
}

// DeleteJob godoc
// @Summary Delete a job
// @Description Owner or privileged. A PENDING job's reservation is refunded.
// @Tags jobs
// @Param X-Principal-ID header string true "principal id"
// @Param id path int true "job id"
// @Success 204
// @Failure 400 {object} apiError
// @Failure 403 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [delete]
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := jobID(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.jobs.DeleteJob(r.Context(), principalFrom(r.Context()), id); err != nil {
		writeServiceErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
