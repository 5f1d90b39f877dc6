package evaluation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"assessportal/internal/identity"

	"github.com/go-chi/chi/v5"
)

type mockEvaluationService struct {
	openAttemptFn      func(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error)
	saveEvaluationFn   func(ctx context.Context, in SaveInput) (*Result, error)
	saveReevaluationFn func(ctx context.Context, in SaveInput) (*Result, error)
	listEvaluationsFn  func(ctx context.Context, attemptID int64) ([]Record, error)
}

func (m *mockEvaluationService) OpenAttempt(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error) {
	if m.openAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.openAttemptFn(ctx, attemptID, failedOnly)
}

func (m *mockEvaluationService) SaveEvaluation(ctx context.Context, in SaveInput) (*Result, error) {
	if m.saveEvaluationFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.saveEvaluationFn(ctx, in)
}

func (m *mockEvaluationService) SaveReevaluation(ctx context.Context, in SaveInput) (*Result, error) {
	if m.saveReevaluationFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.saveReevaluationFn(ctx, in)
}

func (m *mockEvaluationService) ListEvaluations(ctx context.Context, attemptID int64) ([]Record, error) {
	if m.listEvaluationsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listEvaluationsFn(ctx, attemptID)
}

func newEvaluationRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Get("/attempts/{id}/evaluation", h.Open)
	r.Post("/attempts/{id}/evaluation", h.Save)
	r.Post("/attempts/{id}/re-evaluation", h.Reevaluate)
	r.Get("/attempts/{id}/evaluations", h.History)
	return r
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body interface{}, p *identity.Principal) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if p != nil {
		req = req.WithContext(identity.WithPrincipal(req.Context(), p))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestOpenHandler(t *testing.T) {
	evaluator := &identity.Principal{ID: 5, Role: identity.RoleEvaluator}

	t.Run("returns the grading view", func(t *testing.T) {
		svc := &mockEvaluationService{
			openAttemptFn: func(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error) {
				if attemptID != 42 {
					t.Fatalf("unexpected attempt id %d", attemptID)
				}
				if failedOnly {
					t.Fatal("failed_only should default to false")
				}
				return &AttemptView{AttemptID: 42, Status: "submitted", Version: 1}, nil
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/42/evaluation", nil, evaluator)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("failed_only query flag reaches the service", func(t *testing.T) {
		var got bool
		svc := &mockEvaluationService{
			openAttemptFn: func(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error) {
				got = failedOnly
				return &AttemptView{AttemptID: attemptID}, nil
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/42/evaluation?failed_only=1", nil, evaluator)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !got {
			t.Fatal("failed_only flag was not forwarded")
		}
	})

	t.Run("unknown attempt is 404", func(t *testing.T) {
		svc := &mockEvaluationService{
			openAttemptFn: func(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error) {
				return nil, ErrAttemptNotFound
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/42/evaluation", nil, evaluator)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("in-progress attempt is 400", func(t *testing.T) {
		svc := &mockEvaluationService{
			openAttemptFn: func(ctx context.Context, attemptID int64, failedOnly bool) (*AttemptView, error) {
				return nil, ErrAttemptNotEvaluable
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/42/evaluation", nil, evaluator)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("bad attempt id is 400", func(t *testing.T) {
		svc := &mockEvaluationService{}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/zero/evaluation", nil, evaluator)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestSaveHandler(t *testing.T) {
	evaluator := &identity.Principal{ID: 5, Role: identity.RoleEvaluator}

	t.Run("save forwards evaluator and version", func(t *testing.T) {
		svc := &mockEvaluationService{
			saveEvaluationFn: func(ctx context.Context, in SaveInput) (*Result, error) {
				if in.AttemptID != 42 || in.EvaluatorID != 5 || in.Version != 3 {
					t.Fatalf("unexpected input %+v", in)
				}
				if len(in.Awards) != 1 || in.Awards[0].QuestionID != 9 || in.Awards[0].Points != 8 {
					t.Fatalf("unexpected awards %+v", in.Awards)
				}
				return &Result{AttemptID: 42, Status: "evaluated", Score: 80, Passed: true, Version: 4}, nil
			},
		}
		body := saveEvaluationRequest{Version: 3, Awards: []awardRequest{{QuestionID: 9, Points: 8, Feedback: "solid"}}}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/evaluation", body, evaluator)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}

		var env struct {
			OK   bool   `json:"ok"`
			Data Result `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if !env.OK || env.Data.Version != 4 {
			t.Fatalf("unexpected envelope %+v", env)
		}
	})

	t.Run("stale version is 409", func(t *testing.T) {
		svc := &mockEvaluationService{
			saveEvaluationFn: func(ctx context.Context, in SaveInput) (*Result, error) {
				return nil, ErrVersionConflict
			},
		}
		body := saveEvaluationRequest{Version: 1}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/evaluation", body, evaluator)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("award for a foreign question is 400", func(t *testing.T) {
		svc := &mockEvaluationService{
			saveEvaluationFn: func(ctx context.Context, in SaveInput) (*Result, error) {
				return nil, ErrUnknownQuestion
			},
		}
		body := saveEvaluationRequest{Awards: []awardRequest{{QuestionID: 999, Points: 1}}}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/evaluation", body, evaluator)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("award missing question_id is rejected before the service", func(t *testing.T) {
		svc := &mockEvaluationService{}
		body := saveEvaluationRequest{Awards: []awardRequest{{Points: 1}}}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/evaluation", body, evaluator)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("missing principal is 401", func(t *testing.T) {
		svc := &mockEvaluationService{}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/evaluation", saveEvaluationRequest{}, nil)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})
}

func TestReevaluateHandler(t *testing.T) {
	manager := &identity.Principal{ID: 2, Role: identity.RoleManager}

	t.Run("routes to the re-evaluation path", func(t *testing.T) {
		called := false
		svc := &mockEvaluationService{
			saveReevaluationFn: func(ctx context.Context, in SaveInput) (*Result, error) {
				called = true
				return &Result{AttemptID: in.AttemptID, Status: "evaluated", Score: 90, Passed: true, Version: 5}, nil
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/re-evaluation", saveEvaluationRequest{Version: 4}, manager)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if !called {
			t.Fatal("re-evaluation service was not called")
		}
	})

	t.Run("passed attempt is not re-evaluable", func(t *testing.T) {
		svc := &mockEvaluationService{
			saveReevaluationFn: func(ctx context.Context, in SaveInput) (*Result, error) {
				return nil, ErrAttemptNotReevaluable
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodPost, "/attempts/42/re-evaluation", saveEvaluationRequest{}, manager)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})
}

func TestHistoryHandler(t *testing.T) {
	evaluator := &identity.Principal{ID: 5, Role: identity.RoleEvaluator}

	t.Run("lists audit rows", func(t *testing.T) {
		svc := &mockEvaluationService{
			listEvaluationsFn: func(ctx context.Context, attemptID int64) ([]Record, error) {
				return []Record{
					{ID: 2, AttemptID: attemptID, QuestionID: 9, Points: 10, EvaluatedAt: time.Now()},
					{ID: 1, AttemptID: attemptID, QuestionID: 9, Points: 5, EvaluatedAt: time.Now().Add(-time.Hour)},
				}, nil
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/42/evaluations", nil, evaluator)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		var env struct {
			Data []Record `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if len(env.Data) != 2 {
			t.Fatalf("expected 2 records, got %d", len(env.Data))
		}
	})

	t.Run("unknown attempt is 404", func(t *testing.T) {
		svc := &mockEvaluationService{
			listEvaluationsFn: func(ctx context.Context, attemptID int64) ([]Record, error) {
				return nil, ErrAttemptNotFound
			},
		}
		rec := doRequest(t, newEvaluationRouter(NewHandler(svc)), http.MethodGet, "/attempts/42/evaluations", nil, evaluator)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("expected 404, got %d", rec.Code)
		}
	})
}
