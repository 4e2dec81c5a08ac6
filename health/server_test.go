package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"fleet-registry/store/memory"
)

func TestRegister_Handlers(t *testing.T) {
	type want struct {
		code int
		body string
	}
	failing := func(context.Context) error { return errors.New("store down") }
	tests := []struct {
		name   string
		path   string
		checks []Check
		want   want
	}{
		{name: "healthz ok", path: "/healthz", want: want{code: http.StatusOK, body: "ok"}},
		{name: "readyz ok", path: "/readyz", want: want{code: http.StatusOK, body: "ready"}},
		{name: "readyz store ok", path: "/readyz", checks: []Check{StoreCheck(memory.New())}, want: want{code: http.StatusOK, body: "ready"}},
		{name: "readyz failing check", path: "/readyz", checks: []Check{failing}, want: want{code: http.StatusServiceUnavailable, body: "not ready"}},
		{name: "healthz ignores checks", path: "/healthz", checks: []Check{failing}, want: want{code: http.StatusOK, body: "ok"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mux := http.NewServeMux()
			Register(mux, tt.checks...)

			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			mux.ServeHTTP(rec, req)

			if rec.Code != tt.want.code {
				t.Errorf("status code mismatch\n got=%#v\nwant=%#v", rec.Code, tt.want.code)
			}
			if body := rec.Body.String(); body != tt.want.body {
				t.Errorf("body mismatch\n got=%#v\nwant=%#v", body, tt.want.body)
			}
		})
	}
}

func TestStoreCheck_Closed(t *testing.T) {
	kv := memory.New()
	_ = kv.Close()
	if err := StoreCheck(kv)(context.Background()); err == nil {
		t.Errorf("StoreCheck() on closed store returned nil")
	}
}
