// Package upstream implements verbatim HTTP request forwarding to the
// homeserver, with optional access-token substitution.
package upstream

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/http2"
)

// Client forwards requests to a single upstream base URL.
type Client struct {
	BaseURL string
	http    *http.Client
}

// Config configures the forwarding Client.
type Config struct {
	BaseURL     string
	ProxyURL    string
	UseHTTP2    bool
}

// New builds a forwarding Client for cfg.
func New(cfg Config) (*Client, error) {
	transport := &http.Transport{}

	if cfg.ProxyURL != "" {
		proxyURL, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	var rt http.RoundTripper = transport
	if cfg.UseHTTP2 {
		h2, err := http2.ConfigureTransports(transport)
		if err == nil && h2 != nil {
			rt = transport
		}
	}

	return &Client{
		BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Transport: rt},
	}, nil
}

// Forwarded is the upstream response relayed back to the downstream
// caller, or an error describing why forwarding failed.
type Forwarded struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// ForwardOptions controls how ForwardRequest builds the outgoing
// request relative to the incoming downstream request.
type ForwardOptions struct {
	// OverrideBody replaces the downstream request body when non-nil
	// (used by Login, which has already read the body, and by Filter,
	// which rewrites it before forwarding).
	OverrideBody []byte
	// SubstituteToken, when non-empty, replaces an already-present
	// Authorization header and/or access_token query parameter with
	// this value. It never injects a token where the downstream
	// request carried none - see daemon.py's forward_request.
	SubstituteToken string
}

// ForwardRequest forwards r verbatim (method, path, query, headers
// minus Host) to the upstream base URL, returning the relayed
// response. Connection failures are returned as an error; callers map
// those to HTTP 500 per spec.md §7.
func (c *Client) ForwardRequest(r *http.Request, opts ForwardOptions) (*Forwarded, error) {
	target := c.BaseURL + r.URL.Path

	query := r.URL.Query()
	if opts.SubstituteToken != "" && query.Get("access_token") != "" {
		query.Set("access_token", opts.SubstituteToken)
	}

	var body io.Reader
	bodyLen := -1
	if opts.OverrideBody != nil {
		body = bytes.NewReader(opts.OverrideBody)
		bodyLen = len(opts.OverrideBody)
	} else if r.Body != nil {
		body = r.Body
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, body)
	if err != nil {
		return nil, err
	}
	req.URL.RawQuery = query.Encode()

	for k, values := range r.Header {
		if strings.EqualFold(k, "Host") {
			continue
		}
		if strings.EqualFold(k, "Content-Length") && opts.OverrideBody != nil {
			continue
		}
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}

	if opts.SubstituteToken != "" && req.Header.Get("Authorization") != "" {
		req.Header.Set("Authorization", "Bearer "+opts.SubstituteToken)
	}
	if bodyLen >= 0 {
		req.ContentLength = int64(bodyLen)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &Forwarded{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        data,
	}, nil
}
