package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_SetsUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient()
	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if !strings.HasPrefix(gotUA, "hearth/") {
		t.Errorf("User-Agent = %q, want hearth/ prefix", gotUA)
	}
}

func TestNewClient_PreservesExplicitUserAgent(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	client := NewClient()
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("User-Agent", "custom/1.0")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	DrainAndClose(resp.Body, 1024)

	if gotUA != "custom/1.0" {
		t.Errorf("User-Agent = %q, want custom/1.0", gotUA)
	}
}

func TestWithTimeout_Zero(t *testing.T) {
	client := NewClient(WithTimeout(0))
	if client.Timeout != 0 {
		t.Errorf("Timeout = %v, want 0 for streaming clients", client.Timeout)
	}
}

func TestWithTimeout_NonZero(t *testing.T) {
	client := NewClient(WithTimeout(5 * time.Second))
	if client.Timeout != 5*time.Second {
		t.Errorf("Timeout = %v, want 5s", client.Timeout)
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("upstream exploded"))
	got := ReadErrorBody(body, 4096)
	if got != "upstream exploded" {
		t.Errorf("got %q", got)
	}
}

func TestReadErrorBody_Nil(t *testing.T) {
	if got := ReadErrorBody(nil, 4096); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestReadErrorBody_Truncates(t *testing.T) {
	body := io.NopCloser(strings.NewReader("0123456789"))
	got := ReadErrorBody(body, 4)
	if got != "0123" {
		t.Errorf("got %q, want 0123", got)
	}
}

func TestIsRetryableError_Nil(t *testing.T) {
	if isRetryableError(nil) {
		t.Error("nil should not be retryable")
	}
}
