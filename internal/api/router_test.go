package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/99minutos/trip-tracking/internal/core/domain"
	"github.com/99minutos/trip-tracking/internal/core/ports"
)

// notFoundService answers every call as if no session existed.
type notFoundService struct{}

func (notFoundService) Start(context.Context, ports.StartTrackingInput) (*ports.SessionSnapshot, error) {
	return nil, fmt.Errorf("start: %w", domain.ErrSessionExists)
}

func (notFoundService) Stop(context.Context, string, domain.Role) error {
	return domain.ErrSessionNotFound
}

func (notFoundService) Command(context.Context, string, domain.Command) (*domain.TrackingUpdate, error) {
	return nil, fmt.Errorf("%w: delivered not allowed from assigned", domain.ErrIllegalTransition)
}

func (notFoundService) Snapshot(context.Context, string) (*ports.SessionSnapshot, error) {
	return nil, domain.ErrSessionNotFound
}

func (notFoundService) Watch(context.Context, string) (<-chan ports.SessionEvent, func(), error) {
	return nil, nil, domain.ErrSessionNotFound
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewRouter(Deps{
		Tracking: notFoundService{},
		Metrics:  reg,
		Gatherer: reg,
		Logger:   zerolog.Nop(),
	})
}

func do(t *testing.T, h http.Handler, method, target, body string) (*httptest.ResponseRecorder, errorResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp errorResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	return rec, resp
}

func TestRouter_DomainErrorsMapToStatus(t *testing.T) {
	h := newTestRouter(t)

	cases := []struct {
		method, target, body string
		want                 int
	}{
		{http.MethodGet, "/v1/trips/trip-42/snapshot", "", http.StatusNotFound},
		{http.MethodDelete, "/v1/trips/trip-42/tracking", "", http.StatusNotFound},
		{http.MethodPost, "/v1/trips/trip-42/tracking", `{"role":"customer"}`, http.StatusConflict},
		{http.MethodPost, "/v1/trips/trip-42/commands", `{"command":"delivered"}`, http.StatusConflict},
		{http.MethodGet, "/v1/trips/trip-42/stream", "", http.StatusNotFound},
		{http.MethodGet, "/v1/trips/trip-42/history", "", http.StatusNotImplemented},
		{http.MethodGet, "/v1/trips/bad*id/snapshot", "", http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec, resp := do(t, h, tc.method, tc.target, tc.body)
		if rec.Code != tc.want {
			t.Errorf("%s %s: expected %d, got %d (%s)", tc.method, tc.target, tc.want, rec.Code, rec.Body.String())
		}
		if resp.Error == "" {
			t.Errorf("%s %s: expected error envelope", tc.method, tc.target)
		}
	}
}

func TestRouter_DevicesRouteOnlyWhenConfigured(t *testing.T) {
	rec, _ := do(t, newTestRouter(t), http.MethodGet, "/v1/devices/driver-7/ws", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without device server, got %d", rec.Code)
	}
}

func TestRouter_HealthAndMetrics(t *testing.T) {
	h := newTestRouter(t)

	rec, _ := do(t, h, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec, _ = do(t, h, http.MethodGet, "/health/ready", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected ready with no checks, got %d", rec.Code)
	}

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "trackingd_requests_total") {
		t.Fatalf("expected request metrics, got %d", rec.Code)
	}
}

func TestResolveError_UnknownErrorIsHidden(t *testing.T) {
	h := NewRouter(Deps{Tracking: failingService{}, Logger: zerolog.Nop()})

	rec, resp := do(t, h, http.MethodGet, "/v1/trips/trip-42/snapshot", "")
	if rec.Code != http.StatusInternalServerError || resp.Error != "internal server error" {
		t.Fatalf("expected generic 500, got %d %q", rec.Code, resp.Error)
	}
}

type failingService struct{ notFoundService }

func (failingService) Snapshot(context.Context, string) (*ports.SessionSnapshot, error) {
	return nil, errors.New("mongo: connection reset")
}
