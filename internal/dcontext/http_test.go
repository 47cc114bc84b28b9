package dcontext

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestWithRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v2/", nil)
	r.Header.Set("User-Agent", "test/0.1")

	ctx := WithRequest(Background(), r)

	if req, err := GetRequest(ctx); err != nil || req != r {
		t.Fatalf("request not available on context: %v", err)
	}

	if GetRequestID(ctx) == "" {
		t.Fatal("expected a request id")
	}

	if v := ctx.Value("http.request.method"); v != http.MethodGet {
		t.Fatalf("unexpected method: %v", v)
	}

	if v := ctx.Value("http.request.useragent"); v != "test/0.1" {
		t.Fatalf("unexpected user agent: %v", v)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on second WithRequest")
		}
	}()
	WithRequest(ctx, r)
}

func TestWithResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	ctx, w := WithResponseWriter(Background(), rec)

	w.WriteHeader(http.StatusAccepted)
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if v := ctx.Value("http.response.status"); v != http.StatusAccepted {
		t.Fatalf("unexpected status on context: %v", v)
	}

	if v := ctx.Value("http.response.written"); v != int64(5) {
		t.Fatalf("unexpected written count: %v", v)
	}

	if _, err := GetResponseWriter(ctx); err != nil {
		t.Fatalf("response writer not available: %v", err)
	}
}

func TestWithVars(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v2/foo/bar/tags/list", nil)

	getVarsFromRequest = func(*http.Request) map[string]string {
		return map[string]string{"name": "foo/bar"}
	}
	defer func() { getVarsFromRequest = mux.Vars }()

	ctx := WithVars(Background(), r)
	if v := ctx.Value("vars.name"); v != "foo/bar" {
		t.Fatalf("unexpected var: %v", v)
	}
}
