// Package upstream sends proxied requests to the Graph endpoint: a tuned
// transport with optional DNS caching, and a request forwarder.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"

	graphauth "github.com/eugener/graphauth/internal"
	"github.com/eugener/graphauth/internal/telemetry"
)

// NewTransport returns a tuned *http.Transport with connection pooling and
// optional DNS caching.
func NewTransport(resolver *dnscache.Resolver) *http.Transport {
	t := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 100,
		MaxConnsPerHost:     200,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			var lastErr error
			for _, ip := range ips {
				conn, err := d.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		}
	}
	return t
}

// hopByHop headers that must not be forwarded between client and upstream.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// maxResponseBody caps non-streaming copies so a misbehaving upstream
// cannot force unbounded writes.
const maxResponseBody = 64 << 20

// Forwarder relays inbound requests to BaseURL. Client's transport is
// expected to inject credentials; inbound Authorization headers are dropped.
type Forwarder struct {
	Client  *http.Client
	BaseURL *url.URL
	Metrics *telemetry.Metrics // nil = no metrics
}

// NewForwarder parses baseURL and returns a Forwarder using client.
func NewForwarder(client *http.Client, baseURL string, m *telemetry.Metrics) (*Forwarder, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("upstream: parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream: base url %q is not absolute", baseURL)
	}
	return &Forwarder{Client: client, BaseURL: u, Metrics: m}, nil
}

// Target builds the upstream URL for an inbound request: base URL, base
// path joined with the inbound path, and the inbound query string.
func (f *Forwarder) Target(r *http.Request) *url.URL {
	u := *f.BaseURL
	u.Path = strings.TrimSuffix(f.BaseURL.Path, "/") + "/" + strings.TrimPrefix(r.URL.Path, "/")
	u.RawPath = ""
	u.RawQuery = r.URL.RawQuery
	return &u
}

// Forward proxies r upstream and streams the response to w. When the round
// trip fails nothing has been written and the caller chooses the response.
// Failures after the status line is sent wrap graphauth.ErrResponseStarted.
func (f *Forwarder) Forward(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	outReq, err := http.NewRequestWithContext(ctx, r.Method, f.Target(r).String(), r.Body)
	if err != nil {
		return fmt.Errorf("upstream: create request: %w", err)
	}
	outReq.ContentLength = r.ContentLength

	for key, vals := range r.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		// Credentials come from the transport, never from the caller.
		if strings.EqualFold(key, "Authorization") {
			continue
		}
		outReq.Header[key] = vals
	}

	start := time.Now()
	resp, err := f.Client.Do(outReq)
	if f.Metrics != nil {
		f.Metrics.UpstreamDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if f.Metrics != nil {
			f.Metrics.UpstreamErrors.Inc()
		}
		return fmt.Errorf("upstream: do request: %w", err)
	}
	defer resp.Body.Close()

	for key, vals := range resp.Header {
		if _, hop := hopByHopHeaders[key]; hop {
			continue
		}
		for _, v := range vals {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Graph change notifications and exports can stream; flush as data arrives.
	flusher, canFlush := w.(http.Flusher)
	ct := resp.Header.Get("Content-Type")
	if canFlush && (strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson")) {
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if _, writeErr := w.Write(buf[:n]); writeErr != nil {
					return fmt.Errorf("upstream: write response: %w: %w", graphauth.ErrResponseStarted, writeErr)
				}
				flusher.Flush()
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return fmt.Errorf("upstream: read response: %w: %w", graphauth.ErrResponseStarted, readErr)
			}
		}
	}

	if _, err := io.Copy(w, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return fmt.Errorf("upstream: copy response: %w: %w", graphauth.ErrResponseStarted, err)
	}
	return nil
}
