package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	maxBodySize    = 10 * 1024 * 1024
	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	acceptLanguage = "en-US,en;q=0.5"
	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

	defaultEnvelopeField = "contents"
)

// Relay fetches a target URL on our behalf and returns its body.
// Each relay knows how to address the target and how to unwrap its response.
type Relay interface {
	Name() string
	Request(ctx context.Context, client HTTPClient, target string) (string, error)
}

// StatusError is returned when a relay answers with a non-2xx status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// PrefixRelay appends the escaped target URL to Base.
type PrefixRelay struct {
	Base string
}

// Name implements Relay.
func (r PrefixRelay) Name() string { return r.Base }

// Request implements Relay.
func (r PrefixRelay) Request(ctx context.Context, client HTTPClient, target string) (string, error) {
	return get(ctx, client, r.Base+url.QueryEscape(target))
}

// QueryRelay passes the target URL in the query parameter Param of Base.
type QueryRelay struct {
	Base  string
	Param string
}

// Name implements Relay.
func (r QueryRelay) Name() string { return r.Base }

// Request implements Relay.
func (r QueryRelay) Request(ctx context.Context, client HTTPClient, target string) (string, error) {
	u, err := url.Parse(r.Base)
	if err != nil {
		return "", fmt.Errorf("parse relay url: %w", err)
	}
	q := u.Query()
	q.Set(r.Param, target)
	u.RawQuery = q.Encode()
	return get(ctx, client, u.String())
}

// EnvelopeRelay is a prefix relay that wraps the body in a JSON object.
// The body is read from the string member Field.
type EnvelopeRelay struct {
	Base  string
	Field string
}

// Name implements Relay.
func (r EnvelopeRelay) Name() string { return r.Base }

// Request implements Relay.
func (r EnvelopeRelay) Request(ctx context.Context, client HTTPClient, target string) (string, error) {
	raw, err := get(ctx, client, r.Base+url.QueryEscape(target))
	if err != nil {
		return "", err
	}

	var envelope map[string]any
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return "", fmt.Errorf("decode envelope: %w", err)
	}

	field := r.Field
	if field == "" {
		field = defaultEnvelopeField
	}
	contents, _ := envelope[field].(string)
	return contents, nil
}

// ParseRelay builds a relay from its configuration string.
//
//	prefix:<base>        target appended to base
//	query:<base>#<param> target passed as query parameter
//	json:<base>#<field>  target appended to base, body read from a JSON field
//
// A bare URL is treated as a prefix relay.
func ParseRelay(raw string) (Relay, error) {
	raw = strings.TrimSpace(raw)
	kind, rest, found := strings.Cut(raw, ":")
	if !found {
		return nil, fmt.Errorf("invalid relay %q", raw)
	}

	switch kind {
	case "prefix":
		if err := validateBase(rest); err != nil {
			return nil, err
		}
		return PrefixRelay{Base: rest}, nil
	case "query":
		base, param := splitFragment(rest)
		if param == "" {
			return nil, fmt.Errorf("relay %q: query parameter is required", raw)
		}
		if err := validateBase(base); err != nil {
			return nil, err
		}
		return QueryRelay{Base: base, Param: param}, nil
	case "json":
		base, field := splitFragment(rest)
		if err := validateBase(base); err != nil {
			return nil, err
		}
		if field == "" {
			field = defaultEnvelopeField
		}
		return EnvelopeRelay{Base: base, Field: field}, nil
	default:
		if err := validateBase(raw); err != nil {
			return nil, err
		}
		return PrefixRelay{Base: raw}, nil
	}
}

// ParseRelays parses every relay string, failing on the first invalid one.
func ParseRelays(raws []string) ([]Relay, error) {
	relays := make([]Relay, 0, len(raws))
	for _, s := range raws {
		r, err := ParseRelay(s)
		if err != nil {
			return nil, err
		}
		relays = append(relays, r)
	}
	return relays, nil
}

func splitFragment(s string) (string, string) {
	i := strings.LastIndex(s, "#")
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

func validateBase(base string) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("invalid relay url %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid relay url %q: scheme must be http or https", base)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid relay url %q: host is required", base)
	}
	return nil
}

func get(ctx context.Context, client HTTPClient, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}
