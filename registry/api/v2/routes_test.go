package v2

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"

	"github.com/gorilla/mux"
)

type routeTestCase struct {
	RequestURI  string
	ExpectedURI string
	Vars        map[string]string
	RouteName   string
	StatusCode  int
}

// TestRouter registers a test handler with all the routes and ensures that
// each route returns the expected path variables. Not method verification is
// present. This not meant to be exhaustive but as a dependency check of the
// routing logic.
func TestRouter(t *testing.T) {
	testCases := []routeTestCase{
		{
			RouteName:  RouteNameBase,
			RequestURI: "/v2/",
			Vars:       map[string]string{},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/manifests/bar",
			Vars: map[string]string{
				"name":      "foo",
				"reference": "bar",
			},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/bar/manifests/tag",
			Vars: map[string]string{
				"name":      "foo/bar",
				"reference": "tag",
			},
		},
		{
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/bar/manifests/sha256:abcdef01234567890",
			Vars: map[string]string{
				"name":      "foo/bar",
				"reference": "sha256:abcdef01234567890",
			},
		},
		{
			RouteName:  RouteNameTags,
			RequestURI: "/v2/foo/bar/tags/list",
			Vars: map[string]string{
				"name": "foo/bar",
			},
		},
		{
			RouteName:  RouteNameTags,
			RequestURI: "/v2/docker.com/foo/tags/list",
			Vars: map[string]string{
				"name": "docker.com/foo",
			},
		},
		{
			RouteName:  RouteNameBlob,
			RequestURI: "/v2/foo/bar/blobs/sha256:abcdef0919234",
			Vars: map[string]string{
				"name":   "foo/bar",
				"digest": "sha256:abcdef0919234",
			},
		},
		{
			RouteName:  RouteNameBlobUpload,
			RequestURI: "/v2/foo/bar/blobs/uploads/",
			Vars: map[string]string{
				"name": "foo/bar",
			},
		},
		{
			RouteName:  RouteNameBlobUploadChunk,
			RequestURI: "/v2/foo/bar/blobs/uploads/uuid",
			Vars: map[string]string{
				"name": "foo/bar",
				"uuid": "uuid",
			},
		},
		{
			RouteName:  RouteNameBlobUploadChunk,
			RequestURI: "/v2/foo/bar/blobs/uploads/D95306FA-FAD3-4E36-8D41-CF1C93EF8286",
			Vars: map[string]string{
				"name": "foo/bar",
				"uuid": "D95306FA-FAD3-4E36-8D41-CF1C93EF8286",
			},
		},
		{
			// Check ambiguity: ensure we can distinguish between tags for
			// "foo/bar/image/image" and image for "foo/bar/image" with tag
			// "tags"
			RouteName:  RouteNameManifest,
			RequestURI: "/v2/foo/bar/manifests/manifests/tags",
			Vars: map[string]string{
				"name":      "foo/bar/manifests",
				"reference": "tags",
			},
		},
		{
			// This case presents an ambiguity between foo/bar with tag="tags"
			// and list tags for "foo/bar/manifest"
			RouteName:  RouteNameTags,
			RequestURI: "/v2/foo/bar/manifests/tags/list",
			Vars: map[string]string{
				"name": "foo/bar/manifests",
			},
		},
		{
			RouteName:  RouteNameBlobUploadChunk,
			RequestURI: "/v2/foo/../../blob/uploads/D95306FA-FAD3-4E36-8D41-CF1C93EF8286",
			StatusCode: http.StatusNotFound,
		},
	}

	checkTestRouter(t, testCases, "", true)
	checkTestRouter(t, testCases, "/prefix/", true)
}

func checkTestRouter(t *testing.T, testCases []routeTestCase, prefix string, deeplyEqual bool) {
	router := RouterWithPrefix(prefix)

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testCase := routeTestCase{
			RequestURI: r.RequestURI,
			Vars:       mux.Vars(r),
			RouteName:  mux.CurrentRoute(r).GetName(),
		}

		enc := json.NewEncoder(w)

		if err := enc.Encode(testCase); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	})

	// Startup test server
	server := httptest.NewServer(router)
	defer server.Close()

	for _, testcase := range testCases {
		testcase.RequestURI = strings.TrimSuffix(prefix, "/") + testcase.RequestURI
		// Register the endpoint
		route := router.GetRoute(testcase.RouteName)
		if route == nil {
			t.Fatalf("route for name %q not found", testcase.RouteName)
		}

		route.Handler(testHandler)

		u := server.URL + testcase.RequestURI

		resp, err := http.Get(u)
		if err != nil {
			t.Fatalf("error issuing get request: %v", err)
		}

		if testcase.StatusCode == 0 {
			// Override default, zero-value
			testcase.StatusCode = http.StatusOK
		}
		if testcase.ExpectedURI == "" {
			// Override default, zero-value
			testcase.ExpectedURI = testcase.RequestURI
		}

		if resp.StatusCode != testcase.StatusCode {
			t.Fatalf("unexpected status for %s: %v %v", u, resp.Status, resp.StatusCode)
		}

		if testcase.StatusCode != http.StatusOK {
			resp.Body.Close()
			// We don't care about json response.
			continue
		}

		dec := json.NewDecoder(resp.Body)

		var actualRouteInfo routeTestCase
		if err := dec.Decode(&actualRouteInfo); err != nil {
			t.Fatalf("error reading json response: %v", err)
		}
		// Needs to be set out of band
		actualRouteInfo.StatusCode = resp.StatusCode

		if actualRouteInfo.RequestURI != testcase.ExpectedURI {
			t.Fatalf("URI %v incorrectly parsed, expected %v", actualRouteInfo.RequestURI, testcase.ExpectedURI)
		}

		if actualRouteInfo.RouteName != testcase.RouteName {
			t.Fatalf("incorrect route %q matched, expected %q", actualRouteInfo.RouteName, testcase.RouteName)
		}

		// when testing deep equality, the actualRouteInfo has an empty
		// ExpectedURI, we don't want that to make the comparison fail. We're
		// otherwise done with the testcase so empty the testcase.ExpectedURI
		testcase.ExpectedURI = ""
		if deeplyEqual && !reflect.DeepEqual(actualRouteInfo, testcase) {
			t.Fatalf("actual does not equal expected: %#v != %#v", actualRouteInfo, testcase)
		}

		resp.Body.Close()
	}
}

// TestRouterNameMatches validates the repository name regexp against
// assorted names as routed.
func TestRouterNameMatches(t *testing.T) {
	valid := []string{
		"foo",
		"foo/bar",
		"foo/bar/baz",
		"small",
		"a/b/c/d/e",
		"library/ubuntu-14.04",
		"foo_bar",
		"foo.bar",
	}

	for _, name := range valid {
		if !RepositoryNameRegexp.MatchString(name) {
			t.Errorf("expected %q to match repository name pattern", name)
		}
		if err := ValidateRepositoryName(name); err != nil {
			t.Errorf("expected %q to validate: %v", name, err)
		}
	}

	invalid := []string{
		"",
		"Foo",
		"foo//bar",
		"-foo",
		"foo-",
		"foo/",
		"/foo",
		"foo..bar",
		strings.Repeat("a", RepositoryNameTotalLengthMax+1),
	}

	for _, name := range invalid {
		if err := ValidateRepositoryName(name); err == nil {
			t.Errorf("expected %q to fail validation", name)
		}
	}
}

// TestBuilder tests the various url building functions, ensuring they are
// returning the expected values.
func TestBuilder(t *testing.T) {
	root := "http://localhost:5000/"
	ub, err := NewURLBuilderFromString(root, false)
	if err != nil {
		t.Fatalf("unexpected error creating urlbuilder: %v", err)
	}

	baseURL, err := ub.BuildBaseURL()
	if err != nil {
		t.Fatalf("unexpected error building base url: %v", err)
	}
	if baseURL != root+"v2/" {
		t.Fatalf("unexpected base url: %v != %v", baseURL, root+"v2/")
	}

	tagsURL, err := ub.BuildTagsURL("foo/bar")
	if err != nil {
		t.Fatalf("unexpected error building tags url: %v", err)
	}
	if tagsURL != root+"v2/foo/bar/tags/list" {
		t.Fatalf("unexpected tags url: %v", tagsURL)
	}

	manifestURL, err := ub.BuildManifestURL("foo/bar", "latest")
	if err != nil {
		t.Fatalf("unexpected error building manifest url: %v", err)
	}
	if manifestURL != root+"v2/foo/bar/manifests/latest" {
		t.Fatalf("unexpected manifest url: %v", manifestURL)
	}

	uploadURL, err := ub.BuildBlobUploadURL("foo/bar")
	if err != nil {
		t.Fatalf("unexpected error building upload url: %v", err)
	}
	if uploadURL != root+"v2/foo/bar/blobs/uploads/" {
		t.Fatalf("unexpected upload url: %v", uploadURL)
	}

	chunkURL, err := ub.BuildBlobUploadChunkURL("foo/bar", "the-uuid")
	if err != nil {
		t.Fatalf("unexpected error building chunk url: %v", err)
	}
	if chunkURL != root+"v2/foo/bar/blobs/uploads/the-uuid" {
		t.Fatalf("unexpected chunk url: %v", chunkURL)
	}

	pageURL, err := ub.BuildTagsPageURL("foo/bar", 10, "3.0")
	if err != nil {
		t.Fatalf("unexpected error building tags page url: %v", err)
	}
	if pageURL != root+"v2/foo/bar/tags/list?last=3.0&n=10" {
		t.Fatalf("unexpected tags page url: %v", pageURL)
	}
}

// TestBuilderFromRequest ensures that forwarded headers are obeyed when
// constructing urls from an inbound request.
func TestBuilderFromRequest(t *testing.T) {
	u, err := url.Parse("http://example.com")
	if err != nil {
		t.Fatal(err)
	}

	forwardedProtoHeader := make(http.Header, 1)
	forwardedProtoHeader.Set("X-Forwarded-Proto", "https")

	testRequests := []struct {
		request *http.Request
		base    string
	}{
		{
			request: &http.Request{URL: u, Host: u.Host},
			base:    "http://example.com",
		},
		{
			request: &http.Request{URL: u, Host: u.Host, Header: forwardedProtoHeader},
			base:    "https://example.com",
		},
	}

	for _, tr := range testRequests {
		builder := NewURLBuilderFromRequest(tr.request, false)

		baseURL, err := builder.BuildBaseURL()
		if err != nil {
			t.Fatalf("unexpected error building base url: %v", err)
		}

		if baseURL != tr.base+"/v2/" {
			t.Fatalf("unexpected base url: %v != %v/v2/", baseURL, tr.base)
		}
	}
}
