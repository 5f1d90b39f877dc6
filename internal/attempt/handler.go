package attempt

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
	svc attemptService
}

type attemptService interface {
	StartAttempt(ctx context.Context, testID, userID int64) (*Attempt, error)
	GetAttemptSummary(ctx context.Context, attemptID int64) (*AttemptSummary, error)
	SaveAnswer(ctx context.Context, in SaveAnswerInput) error
	SubmitAttempt(ctx context.Context, attemptID int64) (*AttemptSummary, error)
	GetAttemptOwner(ctx context.Context, attemptID int64) (int64, error)
	ListTestsForCandidate(ctx context.Context, userID int64) ([]TestOverviewItem, error)
}

type startAttemptRequest struct {
	TestID int64 `json:"test_id"`
	UserID int64 `json:"user_id"`
}

type saveAnswerRequest struct {
	AnswerText string `json:"answer_text"`
}

func NewHandler(svc attemptService) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Overview(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	items, err := h.svc.ListTestsForCandidate(r.Context(), p.ID)
	if err != nil {
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req startAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.TestID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "test_id is required")
		return
	}

	if privileged(p.Role) {
		if req.UserID <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "user_id is required for privileged roles")
			return
		}
	} else {
		if req.UserID > 0 && req.UserID != p.ID {
			apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		req.UserID = p.ID
	}

	a, err := h.svc.StartAttempt(r.Context(), req.TestID, req.UserID)
	if err != nil {
		switch {
		case errors.Is(err, ErrTestNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrPrerequisiteLocked):
			apiresp.WriteError(w, r, http.StatusConflict, err.Error())
		default:
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, a)
}

func (h *Handler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	p, attemptID, ok := h.requireAttemptAccess(w, r)
	if !ok {
		return
	}
	_ = p

	summary, err := h.svc.GetAttemptSummary(r.Context(), attemptID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAttemptNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		default:
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, summary)
}

func (h *Handler) SaveAnswer(w http.ResponseWriter, r *http.Request) {
	_, attemptID, ok := h.requireAttemptAccess(w, r)
	if !ok {
		return
	}

	questionID, err := strconv.ParseInt(chi.URLParam(r, "questionID"), 10, 64)
	if err != nil || questionID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid question id")
		return
	}

	var req saveAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}

	err = h.svc.SaveAnswer(r.Context(), SaveAnswerInput{
		AttemptID:  attemptID,
		QuestionID: questionID,
		AnswerText: req.AnswerText,
	})
	if err != nil {
		switch {
		case errors.Is(err, ErrAttemptNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrAttemptNotEditable), errors.Is(err, ErrQuestionNotInTest):
			apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
		default:
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	_, attemptID, ok := h.requireAttemptAccess(w, r)
	if !ok {
		return
	}

	summary, err := h.svc.SubmitAttempt(r.Context(), attemptID)
	if err != nil {
		switch {
		case errors.Is(err, ErrAttemptNotFound):
			apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		default:
			apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, summary)
}

// requireAttemptAccess parses the attempt id and, for candidates, checks
// ownership. Evaluator and above may read any attempt; the authorization
// collaborator has already gated which routes they reach.
func (h *Handler) requireAttemptAccess(w http.ResponseWriter, r *http.Request) (*identity.Principal, int64, bool) {
	p, ok := identity.FromContext(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return nil, 0, false
	}

	attemptID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || attemptID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid attempt id")
		return nil, 0, false
	}

	if !privileged(p.Role) {
		ownerID, err := h.svc.GetAttemptOwner(r.Context(), attemptID)
		if err != nil {
			if errors.Is(err, ErrAttemptNotFound) {
				apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
			} else {
				apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
			}
			return nil, 0, false
		}
		if ownerID != p.ID {
			apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
			return nil, 0, false
		}
	}

	return p, attemptID, true
}

func privileged(role string) bool {
	switch role {
	case identity.RoleAdmin, identity.RoleManager, identity.RoleEvaluator:
		return true
	}
	return false
}
