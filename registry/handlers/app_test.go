package handlers

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/quayside/registry/configuration"
	"github.com/quayside/registry/internal/dcontext"
	"github.com/quayside/registry/registry/api/errcode"
	v2 "github.com/quayside/registry/registry/api/v2"
	_ "github.com/quayside/registry/registry/auth/silly"
)

// TestAppDispatcher builds an application with a test dispatcher and ensures
// that requests are routed with a constructed context.
func TestAppDispatcher(t *testing.T) {
	config := &configuration.Configuration{
		Version: configuration.MajorMinorVersion(0, 1),
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
	}

	app := NewApp(dcontext.Background(), config)
	server := httptest.NewServer(app)
	defer server.Close()

	varCheckingDispatcher := func(expectedVars map[string]string) dispatchFunc {
		return func(ctx *Context, r *http.Request) http.Handler {
			// Always checks the same name context
			if ctx.Repository == nil {
				t.Fatal("repository not set in context")
			}

			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for expectedK, expectedV := range expectedVars {
					if dcontext.GetStringValue(ctx, "vars."+expectedK) != expectedV {
						t.Fatalf("unexpected %s in context: %q != %q", expectedK,
							dcontext.GetStringValue(ctx, "vars."+expectedK), expectedV)
					}
				}

				w.WriteHeader(http.StatusOK)
			})
		}
	}

	// unregister the existing tags route and replace it with the checker.
	app.register(v2.RouteNameTags, varCheckingDispatcher(map[string]string{
		"name": "foo/bar",
	}))

	resp, err := http.Get(server.URL + "/v2/foo/bar/tags/list")
	if err != nil {
		t.Fatalf("unexpected error issuing request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %v", resp.Status)
	}
}

// TestAppAuthChallenge ensures a request without credentials receives a 401
// with a WWW-Authenticate header and the UNAUTHORIZED error code.
func TestAppAuthChallenge(t *testing.T) {
	config := &configuration.Configuration{
		Version: configuration.MajorMinorVersion(0, 1),
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
		Auth: configuration.Auth{
			"silly": configuration.Parameters{"realm": "realm-test", "service": "service-test"},
		},
	}

	app := NewApp(dcontext.Background(), config)
	server := httptest.NewServer(app)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v2/foo/bar/tags/list")
	if err != nil {
		t.Fatalf("unexpected error during GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected status: %v != %v", resp.StatusCode, http.StatusUnauthorized)
	}

	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate header on 401")
	}

	checkBodyHasErrorCodes(t, "unauthenticated request", resp, errcode.ErrorCodeUnauthorized)

	// The ping endpoint stays open by default.
	pingResp, err := http.Get(server.URL + "/v2/")
	if err != nil {
		t.Fatalf("unexpected error during ping: %v", err)
	}
	defer pingResp.Body.Close()

	if pingResp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected ping status: %v", pingResp.StatusCode)
	}

	// With credentials, the request proceeds.
	req, _ := http.NewRequest(http.MethodGet, server.URL+"/v2/foo/bar/tags/list", nil)
	req.Header.Set("Authorization", "Bearer anything")
	authedResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("unexpected error during authorized GET: %v", err)
	}
	defer authedResp.Body.Close()

	// foo/bar has no tags, so a 404 NAME_UNKNOWN is the expected outcome.
	if authedResp.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected status for authorized request: %v", authedResp.StatusCode)
	}
}

// TestAppPingAuth ensures the base endpoint requires credentials when
// configured to do so.
func TestAppPingAuth(t *testing.T) {
	config := &configuration.Configuration{
		Version: configuration.MajorMinorVersion(0, 1),
		Storage: configuration.Storage{"inmemory": configuration.Parameters{}},
		Auth: configuration.Auth{
			"silly": configuration.Parameters{"realm": "realm-test", "service": "service-test"},
		},
		PingAuth: true,
	}

	app := NewApp(dcontext.Background(), config)
	server := httptest.NewServer(app)
	defer server.Close()

	resp, err := http.Get(server.URL + "/v2/")
	if err != nil {
		t.Fatalf("unexpected error during ping: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unexpected ping status with ping_auth: %v", resp.StatusCode)
	}
}

// TestAppReadOnly ensures mutating methods are not registered in read-only
// mode.
func TestAppReadOnly(t *testing.T) {
	config := &configuration.Configuration{
		Version: configuration.MajorMinorVersion(0, 1),
		Storage: configuration.Storage{
			"inmemory": configuration.Parameters{},
			"maintenance": configuration.Parameters{
				"readonly": true,
			},
		},
	}

	app := NewApp(dcontext.Background(), config)
	server := httptest.NewServer(app)
	defer server.Close()

	resp, err := http.Post(server.URL+"/v2/foo/bar/blobs/uploads/", "", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("unexpected error posting upload: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status in read-only mode: %v", resp.StatusCode)
	}
}
