package followgraph

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestGetFollows_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"follows": []Follow{{DID: "did:plc:a", Handle: "a.bsky.social"}},
		})
	}))
	defer srv.Close()

	c := New(strings.TrimPrefix(srv.URL, "http://"), time.Second)
	c.httpClient = srv.Client()
	patchScheme(c, srv.URL)

	follows, err := c.GetFollows(t.Context(), "did:plc:actor")
	if err != nil {
		t.Fatalf("GetFollows: %v", err)
	}
	if len(follows) != 1 || follows[0].DID != "did:plc:a" {
		t.Fatalf("follows = %+v, want one entry did:plc:a", follows)
	}
}

func TestGetFollows_Paginates(t *testing.T) {
	var page int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"follows": []Follow{{DID: "did:plc:a"}},
				"cursor":  "page2",
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"follows": []Follow{{DID: "did:plc:b"}},
		})
	}))
	defer srv.Close()

	c := New(strings.TrimPrefix(srv.URL, "http://"), time.Second)
	c.httpClient = srv.Client()
	patchScheme(c, srv.URL)

	follows, err := c.GetFollows(t.Context(), "did:plc:actor")
	if err != nil {
		t.Fatalf("GetFollows: %v", err)
	}
	if len(follows) != 2 {
		t.Fatalf("len(follows) = %d, want 2 across both pages", len(follows))
	}
}

func TestGetFollows_PartialFailureReturnsPagesSoFar(t *testing.T) {
	var page int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page++
		if page == 1 {
			json.NewEncoder(w).Encode(map[string]any{
				"follows": []Follow{{DID: "did:plc:a"}},
				"cursor":  "page2",
			})
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(strings.TrimPrefix(srv.URL, "http://"), time.Second)
	c.httpClient = srv.Client()
	patchScheme(c, srv.URL)

	follows, err := c.GetFollows(t.Context(), "did:plc:actor")
	if err == nil {
		t.Fatal("GetFollows should report the second page's failure")
	}
	if len(follows) != 1 {
		t.Fatalf("len(follows) = %d, want 1 (the successfully fetched first page)", len(follows))
	}
}

// patchScheme points the client at the test server over plain HTTP; GetFollows
// hardcodes https:// so this test uses apiHost already stripped of its scheme
// and relies on httptest's loopback client accepting the http target via
// the RoundTripper override below.
func patchScheme(c *Client, serverURL string) {
	c.httpClient.Transport = rewriteSchemeTransport{base: http.DefaultTransport, target: serverURL}
}

type rewriteSchemeTransport struct {
	base   http.RoundTripper
	target string
}

func (t rewriteSchemeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	target, err := url.Parse(t.target)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = target.Scheme
	req.URL.Host = target.Host
	return t.base.RoundTrip(req)
}
