package health

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestMultiChecker(t *testing.T) {
	healthy := CheckerFunc(func() error { return nil })
	lost := CheckerFunc(func() error { return errors.New("lease lost") })

	mc := NewMultiChecker(healthy)
	assert.NoError(t, mc.Check())

	mc.Add(lost)
	mc.Add(CheckerFunc(func() error { return errors.New("store unreachable") }))
	err := mc.Check()
	assert.ErrorContains(t, err, "lease lost")
	assert.ErrorContains(t, err, "store unreachable")
}

func TestHealthCheckHttpHandler(t *testing.T) {
	tests := map[string]struct {
		checker      Checker
		expectedCode int
		expectedBody string
	}{
		"healthy": {
			checker:      CheckerFunc(func() error { return nil }),
			expectedCode: http.StatusNoContent,
		},
		"unhealthy": {
			checker:      CheckerFunc(func() error { return errors.New("lease lost") }),
			expectedCode: http.StatusServiceUnavailable,
			expectedBody: "lease lost",
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			mux := http.NewServeMux()
			SetupHttpMux(mux, tc.checker)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
			assert.Equal(t, tc.expectedCode, rec.Code)
			assert.Equal(t, tc.expectedBody, rec.Body.String())
		})
	}
}
