package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandler_Check(t *testing.T) {
	tests := []struct {
		name     string
		critical bool
		err      error
		want     Status
		code     int
	}{
		{name: "all healthy", critical: true, want: StatusHealthy, code: http.StatusOK},
		{name: "optional probe fails", critical: false, err: errors.New("redis down"), want: StatusDegraded, code: http.StatusOK},
		{name: "critical probe fails", critical: true, err: errors.New("db down"), want: StatusUnhealthy, code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler("api", "test")
			h.AddCheck("database", func(context.Context) error { return nil }, true)
			h.AddCheck("probe", func(context.Context) error { return tt.err }, tt.critical)

			resp := h.Check(context.Background())
			assert.Equal(t, tt.want, resp.Status)
			assert.Len(t, resp.Checks, 2)

			rec := httptest.NewRecorder()
			h.ReadinessHandler()(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
			assert.Equal(t, tt.code, rec.Code)
		})
	}
}
