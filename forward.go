package llmgate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Forwarder builds outbound requests to the inference backend. It
// resolves the model's upstream path, substitutes the gateway's own
// upstream credential for whatever the caller presented, and injects a
// trailing-usage request into streaming bodies when the gateway needs
// accounting data the caller didn't ask for.
type Forwarder struct {
	registry   ModelRegistry
	upstream   *url.URL
	credential string
}

// NewForwarder creates a Forwarder targeting the given upstream base
// URL, authenticating with credential.
func NewForwarder(registry ModelRegistry, upstreamURL, credential string) (*Forwarder, error) {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("llmgate: parse upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("llmgate: upstream url %q must be absolute", upstreamURL)
	}
	return &Forwarder{
		registry:   registry,
		upstream:   u,
		credential: credential,
	}, nil
}

// ForwardedRequest is a prepared outbound request plus what the stream
// tracker needs to meter its response.
type ForwardedRequest struct {
	Request *http.Request
	Model   *Model

	// Streaming reports whether the caller asked for an SSE response.
	Streaming bool

	// UsageRequested reports whether the caller explicitly asked for
	// the trailing usage chunk. When Streaming and not UsageRequested,
	// the outbound body was rewritten to request one anyway and the
	// synthetic chunk must be suppressed on the way back.
	UsageRequested bool
}

// inboundBody is the slice of the request body the forwarder inspects.
type inboundBody struct {
	Model         string `json:"model"`
	Stream        bool   `json:"stream"`
	StreamOptions *struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

// Build prepares an outbound request for the given inbound method, path,
// headers and body. It returns ErrModelNotFound when the body names an
// unregistered model.
func (f *Forwarder) Build(ctx context.Context, method, path string, header http.Header, body []byte) (*ForwardedRequest, error) {
	var parsed inboundBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("llmgate: parse request body: %w", err)
	}

	model, err := f.registry.Resolve(parsed.Model)
	if err != nil {
		return nil, err
	}

	usageRequested := parsed.StreamOptions != nil && parsed.StreamOptions.IncludeUsage
	if parsed.Stream && !usageRequested {
		body, err = injectIncludeUsage(body)
		if err != nil {
			return nil, err
		}
	}

	target := *f.upstream
	target.Path = joinPath(f.upstream.Path, model.Path, path)

	req, err := http.NewRequestWithContext(ctx, method, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmgate: build upstream request: %w", err)
	}

	copyHeader(req.Header, header)
	req.Header.Set("Authorization", "Bearer "+f.credential)
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))
	req.Host = f.upstream.Host

	return &ForwardedRequest{
		Request:        req,
		Model:          model,
		Streaming:      parsed.Stream,
		UsageRequested: usageRequested,
	}, nil
}

// injectIncludeUsage rewrites the body so upstream appends its terminal
// usage chunk. The round trip through a generic map keeps every field
// the gateway doesn't know about.
func injectIncludeUsage(body []byte) ([]byte, error) {
	var m map[string]any
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("llmgate: rewrite request body: %w", err)
	}

	opts, _ := m["stream_options"].(map[string]any)
	if opts == nil {
		opts = make(map[string]any)
	}
	opts["include_usage"] = true
	m["stream_options"] = opts

	rewritten, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("llmgate: rewrite request body: %w", err)
	}
	return rewritten, nil
}

// copyHeader copies inbound headers, dropping the ones the forwarder
// owns or that must not cross a proxy hop.
func copyHeader(dst, src http.Header) {
	for k, vals := range src {
		switch http.CanonicalHeaderKey(k) {
		case "Authorization", "Host", "Content-Length",
			"Connection", "Keep-Alive", "Proxy-Authorization",
			"Te", "Trailer", "Transfer-Encoding", "Upgrade":
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

func joinPath(parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		b.WriteString("/")
		b.WriteString(p)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
