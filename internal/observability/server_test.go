package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"google.golang.org/grpc/metadata"
)

func TestHandlerProbes(t *testing.T) {
	ready := false
	h := Handler(func() bool { return ready })

	tests := []struct {
		name       string
		path       string
		ready      bool
		expectCode int
	}{
		{"healthz", "/healthz", false, http.StatusOK},
		{"readyz not ready", "/readyz", false, http.StatusServiceUnavailable},
		{"readyz ready", "/readyz", true, http.StatusOK},
		{"metrics", "/metrics", true, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ready = tt.ready
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if rec.Code != tt.expectCode {
				t.Errorf("expected %d, got %d", tt.expectCode, rec.Code)
			}
		})
	}
}

func TestClientID(t *testing.T) {
	if got := ClientID(context.Background()); got != "" {
		t.Errorf("expected empty client id, got %q", got)
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-client-id", "kiosk-7"))
	if got := ClientID(ctx); got != "kiosk-7" {
		t.Errorf("expected kiosk-7, got %q", got)
	}
}
