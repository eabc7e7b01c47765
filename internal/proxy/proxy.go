// Package proxy streams an allowed request to the single configured origin
// and streams its response back, preserving method, raw path+query,
// headers, status, body framing, and trailers.
//
// Grounded on original_source/main.py's urllib3 pool-manager streaming
// (preload_content=False, redirect=False, assert_same_host=False) and on
// the manual request-construction style of a forward proxy's handleHTTP,
// adapted here to a fixed-upstream reverse proxy whose request line is
// built from the raw request-target rather than a re-parsed *url.URL.
package proxy

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"
)

// ChunkSize is the buffer size used when copying bodies in either
// direction, matching the 65,536-byte streaming chunks of the source
// implementation.
const ChunkSize = 64 * 1024

// connectionPoolCapacity bounds concurrent idle connections kept open to
// the single upstream origin; a startup constant, per §5.
const connectionPoolCapacity = 100

// Proxy holds the one shared connection pool to the configured origin.
type Proxy struct {
	Scheme   string
	HostPort string

	transport *http.Transport
}

// New builds a Proxy targeting scheme://hostPort.
func New(scheme, hostPort string) *Proxy {
	return &Proxy{
		Scheme:   scheme,
		HostPort: hostPort,
		transport: &http.Transport{
			MaxIdleConns:        connectionPoolCapacity,
			MaxIdleConnsPerHost: connectionPoolCapacity,
			IdleConnTimeout:     90 * time.Second,
			DisableCompression:  true,
		},
	}
}

// OriginError wraps any transport-level failure reaching the origin.
type OriginError struct {
	Err error
}

func (e *OriginError) Error() string { return "proxy: origin request failed: " + e.Err.Error() }
func (e *OriginError) Unwrap() error { return e.Err }

// ServeHTTP streams r to the origin and the origin's response back to w.
// headerDenyList names (lowercased) are stripped from the outbound request;
// on the response only "connection" is dropped.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request, headerDenyList map[string]struct{}) error {
	outbound, err := p.buildOutboundRequest(r, headerDenyList)
	if err != nil {
		return err
	}

	resp, err := p.transport.RoundTrip(outbound)
	if err != nil {
		return &OriginError{Err: err}
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	announceTrailers(w.Header(), resp.Trailer)

	w.WriteHeader(resp.StatusCode)

	buf := make([]byte, ChunkSize)
	if _, err := io.CopyBuffer(w, resp.Body, buf); err != nil {
		return &OriginError{Err: err}
	}

	copyTrailers(w.Header(), resp.Trailer)

	return nil
}

// buildOutboundRequest constructs the request sent to origin. The request
// target is taken verbatim from r.RequestURI - the raw bytes the client
// sent on the wire - never rebuilt from the parsed *url.URL, which would
// silently re-encode non-ASCII or already-escaped bytes.
func (p *Proxy) buildOutboundRequest(r *http.Request, headerDenyList map[string]struct{}) (*http.Request, error) {
	rawPath, rawQuery, hasQuery := strings.Cut(r.RequestURI, "?")

	target := &url.URL{
		Scheme:     p.Scheme,
		Host:       p.HostPort,
		Opaque:     rawPath,
		RawQuery:   rawQuery,
		ForceQuery: hasQuery && rawQuery == "",
	}

	body, contentLength := outboundBody(r)

	outbound := &http.Request{
		Method:        r.Method,
		URL:           target,
		Host:          p.HostPort,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        filterHeaders(r.Header, headerDenyList),
		Body:          body,
		ContentLength: contentLength,
	}

	return outbound.WithContext(r.Context()), nil
}

// outboundBody implements the §4.6 body-framing rule: a request with
// neither Content-Length nor chunked Transfer-Encoding forwards with no
// body at all, never an implicit "Transfer-Encoding: chunked".
func outboundBody(r *http.Request) (io.ReadCloser, int64) {
	chunked := false
	for _, te := range r.TransferEncoding {
		if strings.EqualFold(te, "chunked") {
			chunked = true
		}
	}

	if r.ContentLength <= 0 && !chunked {
		return nil, 0
	}

	if r.Body == nil {
		return nil, 0
	}

	return io.NopCloser(bufio.NewReaderSize(r.Body, ChunkSize)), r.ContentLength
}

// filterHeaders strips the deny-listed header names, then
// drops any remaining field whose name or value isn't a well-formed HTTP/1.1
// header token, instead of forwarding malformed bytes on to the origin.
func filterHeaders(in http.Header, denyList map[string]struct{}) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		if _, denied := denyList[strings.ToLower(name)]; denied {
			continue
		}
		if !httpguts.ValidHeaderFieldName(name) {
			continue
		}
		for _, v := range values {
			if !httpguts.ValidHeaderFieldValue(v) {
				continue
			}
			out.Add(name, v)
		}
	}
	return out
}

// copyResponseHeaders forwards every origin response header except
// "connection", preserving duplicate keys (notably Set-Cookie) as separate
// header lines rather than folding them.
func copyResponseHeaders(dst, src http.Header) {
	for name, values := range src {
		if strings.EqualFold(name, "connection") {
			continue
		}
		if strings.EqualFold(name, "Trailer") {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

// announceTrailers declares, before the body is written, which trailer
// names will follow it - the same two-phase protocol net/http's own
// reverse proxy uses, since http.ResponseWriter requires trailer keys to be
// named via the "Trailer" header ahead of time.
func announceTrailers(dst, trailer http.Header) {
	if len(trailer) == 0 {
		return
	}
	for name := range trailer {
		dst.Add("Trailer", name)
	}
}

// copyTrailers is called after the body has been fully streamed, by which
// point resp.Trailer is populated with the origin's actual trailer values.
func copyTrailers(dst, trailer http.Header) {
	for name, values := range trailer {
		for _, v := range values {
			dst.Add(http.TrailerPrefix+name, v)
		}
	}
}

// IsTemporaryNetError reports whether err looks like a transient network
// condition worth surfacing distinctly in logs (not retried - §4.6 forbids
// retries - just classified).
func IsTemporaryNetError(err error) bool {
	var netErr net.Error
	return asNetError(err, &netErr) && netErr.Timeout()
}

func asNetError(err error, target *net.Error) bool {
	for err != nil {
		if ne, ok := err.(net.Error); ok {
			*target = ne
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
