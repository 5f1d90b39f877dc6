package evaluation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"assessportal/internal/app/apiresp"
	"assessportal/internal/identity"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc evaluationService
}

type evaluationService interface {
	OpenAttempt(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error)
	SaveEvaluation(ctx context.Context, in SaveInput) (*Result, error)
	SaveReevaluation(ctx context.Context, in SaveInput) (*Result, error)
	ListEvaluations(ctx context.Context, attemptID int64) ([]Record, error)
}

type awardRequest struct {
	QuestionID int64  `json:"question_id"`
	Points     int    `json:"points"`
	Feedback   string `json:"feedback"`
}

type saveEvaluationRequest struct {
	Version int64          `json:"version"`
	Awards  []awardRequest `json:"awards"`
}

func NewHandler(svc evaluationService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}
	failedOnly := r.URL.Query().Get("failed_only") == "1"

	view, err := h.svc.OpenAttempt(r.Context(), attemptID, failedOnly)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, view)
}

func (h *Handler) Save(w http.ResponseWriter, r *http.Request) {
	h.save(w, r, false)
}

func (h *Handler) Reevaluate(w http.ResponseWriter, r *http.Request) {
	h.save(w, r, true)
}

func (h *Handler) save(w http.ResponseWriter, r *http.Request, reevaluation bool) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}

	var req saveEvaluationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, a := range req.Awards {
		if a.QuestionID <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "question_id is required on every award")
			return
		}
	}

	in := SaveInput{
		AttemptID:   attemptID,
		EvaluatorID: p.ID,
		Version:     req.Version,
		Awards:      make([]Award, 0, len(req.Awards)),
	}
	for _, a := range req.Awards {
		in.Awards = append(in.Awards, Award{
			QuestionID: a.QuestionID,
			Points:     a.Points,
			Feedback:   a.Feedback,
		})
	}

	var (
		result *Result
		err    error
	)
	if reevaluation {
		result, err = h.svc.SaveReevaluation(r.Context(), in)
	} else {
		result, err = h.svc.SaveEvaluation(r.Context(), in)
	}
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, result)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := attemptIDParam(w, r)
	if !ok {
		return
	}

	records, err := h.svc.ListEvaluations(r.Context(), attemptID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, records)
}

func attemptIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	attemptID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || attemptID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid attempt id")
		return 0, false
	}
	return attemptID, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrAttemptNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrVersionConflict):
		apiresp.WriteError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ErrAttemptNotEvaluable),
		errors.Is(err, ErrAttemptNotReevaluable),
		errors.Is(err, ErrUnknownQuestion):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
