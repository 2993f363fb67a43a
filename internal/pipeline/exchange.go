package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-gateway/internal/crawler"
)

// DefaultMaxBodyBytes bounds request bodies when Options.MaxBodyBytes is unset.
const DefaultMaxBodyBytes int64 = 10 << 20

// Exchange is the in-flight state of one request as it moves through the
// pipeline. It is owned by a single request and never shared.
type Exchange struct {
	Request *http.Request
	Route   string
	Logger  *zap.Logger

	// RemainingCredits is set by the credit stage for the handler's own
	// usage reporting. It is informational and never re-checked.
	RemainingCredits int64

	writer   *guardedWriter
	identity *crawler.Identity
	maxBody  int64

	payloadRead bool
	payload     *Payload
	payloadErr  error
}

// NewExchange wraps w so that at most one response is written.
func NewExchange(w http.ResponseWriter, r *http.Request, route string, logger *zap.Logger) *Exchange {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exchange{
		Request: r,
		Route:   route,
		Logger:  logger,
		writer:  &guardedWriter{ResponseWriter: w},
		maxBody: DefaultMaxBodyBytes,
	}
}

// Context returns the request context.
func (x *Exchange) Context() context.Context {
	return x.Request.Context()
}

// Writer returns the guarded response writer. Writes through it mark the
// response as sent.
func (x *Exchange) Writer() http.ResponseWriter {
	return x.writer
}

// Sent reports whether a response has already been started.
func (x *Exchange) Sent() bool {
	return x.writer.sent.Load()
}

// Respond writes a JSON response unless one was already sent. It reports
// whether this call wrote the response.
func (x *Exchange) Respond(status int, body any) bool {
	if !x.writer.claim() {
		x.Logger.Debug("response already sent; dropping late write",
			zap.String("route", x.Route), zap.Int("status", status))
		return false
	}
	x.writer.Header().Set("Content-Type", "application/json")
	x.writer.ResponseWriter.WriteHeader(status)
	if err := json.NewEncoder(x.writer.ResponseWriter).Encode(body); err != nil {
		x.Logger.Warn("write JSON failed", zap.Error(err))
	}
	return true
}

// RespondError writes the standard {success:false,error} body.
func (x *Exchange) RespondError(status int, message string) bool {
	return x.Respond(status, ErrorBody{Success: false, Error: message})
}

// Param returns a chi URL parameter.
func (x *Exchange) Param(name string) string {
	return chi.URLParam(x.Request, name)
}

// SetIdentity attaches the authenticated tenant to the exchange and the
// request context.
func (x *Exchange) SetIdentity(id crawler.Identity) {
	x.identity = &id
	x.Request = x.Request.WithContext(WithIdentity(x.Request.Context(), id))
}

// Identity returns the authenticated tenant, if any.
func (x *Exchange) Identity() (crawler.Identity, bool) {
	if x.identity == nil {
		return crawler.Identity{}, false
	}
	return *x.identity, true
}

// Payload reads and shape-checks the JSON body once. A malformed body yields a
// *Rejection of kind ValidationFailed.
func (x *Exchange) Payload() (*Payload, error) {
	if x.payloadRead {
		return x.payload, x.payloadErr
	}
	x.payloadRead = true
	x.payload, x.payloadErr = readPayload(x.Request, x.maxBody)
	return x.payload, x.payloadErr
}

type identityKey struct{}

// WithIdentity stores id in ctx for the lifetime of the request.
func WithIdentity(ctx context.Context, id crawler.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (crawler.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(crawler.Identity)
	return id, ok
}

// Payload is the request body with the fields stages inspect already
// type-checked.
type Payload struct {
	Raw      []byte
	URL      string
	HasURL   bool
	Limit    int
	HasLimit bool
}

// Decode unmarshals the raw body into v. An empty body leaves v untouched.
func (p *Payload) Decode(v any) error {
	if p == nil || len(p.Raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(p.Raw, v); err != nil {
		return Validation(fmt.Sprintf("Invalid request body: %v", err))
	}
	return nil
}

func readPayload(r *http.Request, maxBody int64) (*Payload, error) {
	if r.Body == nil {
		return &Payload{}, nil
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(raw)) > maxBody {
		return nil, Reject(KindValidationFailed, http.StatusRequestEntityTooLarge, "Request body too large")
	}
	return parsePayload(raw)
}

func parsePayload(raw []byte) (*Payload, error) {
	p := &Payload{Raw: raw}
	if len(bytes.TrimSpace(raw)) == 0 {
		p.Raw = nil
		return p, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, Validation("Invalid JSON body: expected an object")
	}
	if v, ok := fields["url"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &p.URL); err != nil {
			return nil, Validation("url must be a string")
		}
		p.HasURL = true
	}
	if v, ok := fields["limit"]; ok && string(v) != "null" {
		if err := json.Unmarshal(v, &p.Limit); err != nil || p.Limit < 0 {
			return nil, Validation("limit must be a non-negative integer")
		}
		p.HasLimit = true
	}
	return p, nil
}

// guardedWriter records whether a response has been started so that a late
// stage cannot write a second one.
type guardedWriter struct {
	http.ResponseWriter
	sent   atomic.Bool
	status int
}

func (w *guardedWriter) claim() bool {
	return w.sent.CompareAndSwap(false, true)
}

func (w *guardedWriter) WriteHeader(code int) {
	if !w.claim() {
		return
	}
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *guardedWriter) Write(b []byte) (int, error) {
	if w.claim() {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (w *guardedWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *guardedWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijacker not supported")
	}
	w.sent.Store(true)
	conn, buf, err := h.Hijack()
	if err != nil {
		return nil, nil, fmt.Errorf("hijack connection: %w", err)
	}
	return conn, buf, nil
}
