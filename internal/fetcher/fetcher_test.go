package fetcher

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type mockResponse struct {
	body       string
	statusCode int
	err        error
}

// mockTransport replays responses in order; the last one repeats.
type mockTransport struct {
	mu        sync.Mutex
	responses []mockResponse
	urls      []string
}

func (m *mockTransport) Do(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := len(m.urls)
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	m.urls = append(m.urls, req.URL.String())

	r := m.responses[i]
	if r.err != nil {
		return nil, r.err
	}
	return &http.Response{
		StatusCode: r.statusCode,
		Body:       io.NopCloser(bytes.NewBufferString(r.body)),
	}, nil
}

func (m *mockTransport) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.urls)
}

// routedTransport answers per relay host.
type routedTransport struct {
	mu     sync.Mutex
	routes map[string]*mockTransport
}

func (r *routedTransport) Do(req *http.Request) (*http.Response, error) {
	r.mu.Lock()
	t, ok := r.routes[req.URL.Host]
	r.mu.Unlock()
	if !ok {
		return nil, errors.New("no route")
	}
	return t.Do(req)
}

func newTestFetcher(client HTTPClient, relays ...Relay) *Fetcher {
	return New(client, relays, WithBackoff(time.Millisecond), WithTimeout(time.Second))
}

func TestFetch(t *testing.T) {
	relay := PrefixRelay{Base: "https://relay.example.com/?"}

	tests := []struct {
		name      string
		transport *mockTransport
		want      string
		wantCalls int
		wantErr   bool
	}{
		{
			name:      "successful fetch",
			transport: &mockTransport{responses: []mockResponse{{body: "<html>ok</html>", statusCode: 200}}},
			want:      "<html>ok</html>",
			wantCalls: 1,
		},
		{
			name: "fails twice then succeeds",
			transport: &mockTransport{responses: []mockResponse{
				{statusCode: 502},
				{err: io.ErrUnexpectedEOF},
				{body: "third time", statusCode: 200},
			}},
			want:      "third time",
			wantCalls: 3,
		},
		{
			name:      "http error status exhausts attempts",
			transport: &mockTransport{responses: []mockResponse{{body: "not found", statusCode: 404}}},
			wantCalls: 3,
			wantErr:   true,
		},
		{
			name:      "network error exhausts attempts",
			transport: &mockTransport{responses: []mockResponse{{err: io.ErrUnexpectedEOF}}},
			wantCalls: 3,
			wantErr:   true,
		},
		{
			name:      "empty body is not retried",
			transport: &mockTransport{responses: []mockResponse{{body: "", statusCode: 200}}},
			wantCalls: 1,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFetcher(tt.transport, relay)
			got, err := f.Fetch(context.Background(), "https://news.example.com/a?b=c")

			if diff := cmp.Diff(tt.wantCalls, tt.transport.calls()); diff != "" {
				t.Errorf("call count mismatch (-want +got):\n%s", diff)
			}
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				var fetchErr *FetchError
				if !errors.As(err, &fetchErr) {
					t.Fatalf("expected *FetchError, got %T", err)
				}
				if !errors.Is(err, ErrAllRelaysFailed) {
					t.Errorf("expected ErrAllRelaysFailed in chain: %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestFetchFallsBackToNextRelay(t *testing.T) {
	first := &mockTransport{responses: []mockResponse{{statusCode: 500}}}
	second := &mockTransport{responses: []mockResponse{{body: "from second", statusCode: 200}}}
	client := &routedTransport{routes: map[string]*mockTransport{
		"first.example.com":  first,
		"second.example.com": second,
	}}

	f := newTestFetcher(client,
		PrefixRelay{Base: "https://first.example.com/?"},
		PrefixRelay{Base: "https://second.example.com/?"},
	)

	got, err := f.Fetch(context.Background(), "https://news.example.com/post")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff("from second", got); diff != "" {
		t.Errorf("body mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, first.calls()); diff != "" {
		t.Errorf("first relay attempts mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(1, second.calls()); diff != "" {
		t.Errorf("second relay attempts mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchKeepsLastError(t *testing.T) {
	client := &routedTransport{routes: map[string]*mockTransport{
		"first.example.com":  {responses: []mockResponse{{err: io.ErrUnexpectedEOF}}},
		"second.example.com": {responses: []mockResponse{{statusCode: 403}}},
	}}

	f := newTestFetcher(client,
		PrefixRelay{Base: "https://first.example.com/?"},
		PrefixRelay{Base: "https://second.example.com/?"},
	)

	_, err := f.Fetch(context.Background(), "https://news.example.com/post")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected last error to be *StatusError, got %v", err)
	}
	if diff := cmp.Diff(403, statusErr.Code); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchNoRelays(t *testing.T) {
	f := New(&mockTransport{}, nil)
	if _, err := f.Fetch(context.Background(), "https://example.com"); !errors.Is(err, ErrAllRelaysFailed) {
		t.Fatalf("expected ErrAllRelaysFailed, got %v", err)
	}
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := &mockTransport{responses: []mockResponse{{err: context.Canceled}}}
	f := newTestFetcher(transport, PrefixRelay{Base: "https://relay.example.com/?"})

	_, err := f.Fetch(ctx, "https://example.com")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFetchAttemptTimeout(t *testing.T) {
	var calls int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	f := New(srv.Client(), []Relay{PrefixRelay{Base: srv.URL + "/?u="}},
		WithTimeout(20*time.Millisecond),
		WithAttempts(2),
		WithBackoff(time.Millisecond),
	)

	if _, err := f.Fetch(context.Background(), "https://example.com"); err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(2, calls); diff != "" {
		t.Errorf("attempt count mismatch (-want +got):\n%s", diff)
	}
}

func TestRelayRequests(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("url")
		switch r.URL.Path {
		case "/get":
			_, _ = w.Write([]byte(`{"contents":"<p>wrapped</p>","status":{"http_code":200}}`))
		case "/bad":
			_, _ = w.Write([]byte(`not json`))
		default:
			_, _ = w.Write([]byte("<p>raw</p>"))
		}
	}))
	defer srv.Close()

	target := "https://news.example.com/a?b=c&d=e"

	tests := []struct {
		name    string
		relay   Relay
		want    string
		wantErr bool
	}{
		{name: "prefix", relay: PrefixRelay{Base: srv.URL + "/raw?url="}, want: "<p>raw</p>"},
		{name: "query", relay: QueryRelay{Base: srv.URL + "/raw", Param: "url"}, want: "<p>raw</p>"},
		{name: "json envelope", relay: EnvelopeRelay{Base: srv.URL + "/get?url=", Field: "contents"}, want: "<p>wrapped</p>"},
		{name: "json envelope missing field", relay: EnvelopeRelay{Base: srv.URL + "/get?url=", Field: "body"}, want: ""},
		{name: "json envelope invalid", relay: EnvelopeRelay{Base: srv.URL + "/bad?url="}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.relay.Request(context.Background(), srv.Client(), target)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("body mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(target, gotQuery); diff != "" {
				t.Errorf("relayed target mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseRelay(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Relay
		wantErr bool
	}{
		{name: "bare url", raw: "https://corsproxy.io/?", want: PrefixRelay{Base: "https://corsproxy.io/?"}},
		{name: "prefix", raw: "prefix:https://api.codetabs.com/v1/proxy?quest=", want: PrefixRelay{Base: "https://api.codetabs.com/v1/proxy?quest="}},
		{name: "query", raw: "query:https://relay.example.com/fetch#target", want: QueryRelay{Base: "https://relay.example.com/fetch", Param: "target"}},
		{name: "json with field", raw: "json:https://api.allorigins.win/get?url=#contents", want: EnvelopeRelay{Base: "https://api.allorigins.win/get?url=", Field: "contents"}},
		{name: "json default field", raw: "json:https://api.allorigins.win/get?url=", want: EnvelopeRelay{Base: "https://api.allorigins.win/get?url=", Field: "contents"}},
		{name: "query without param", raw: "query:https://relay.example.com/fetch", wantErr: true},
		{name: "not a url", raw: "relay", wantErr: true},
		{name: "unsupported scheme", raw: "ftp://relay.example.com/", wantErr: true},
		{name: "missing host", raw: "prefix:https://", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRelay(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("relay mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPrefixRelayEscapesTarget(t *testing.T) {
	transport := &mockTransport{responses: []mockResponse{{body: "ok", statusCode: 200}}}
	relay := PrefixRelay{Base: "https://relay.example.com/raw?url="}

	if _, err := relay.Request(context.Background(), transport, "https://a.example.com/x?y=1&z=2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "https://relay.example.com/raw?url=https%3A%2F%2Fa.example.com%2Fx%3Fy%3D1%26z%3D2"
	if diff := cmp.Diff([]string{want}, transport.urls); diff != "" {
		t.Errorf("request url mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(transport.urls[0], relay.Base) {
		t.Errorf("expected request to start with relay base")
	}
}
