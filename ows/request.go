package ows

import (
	"bufio"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html/charset"
)

// Request is the state of one OWS call. It is built by the dispatcher,
// may be replaced or modified by callbacks and is discarded once the call
// finished.
type Request struct {
	ID        string
	Timestamp time.Time

	HTTPRequest  *http.Request
	HTTPResponse http.ResponseWriter

	// Get is true for KVP style calls: GET or form encoded POST.
	Get           bool
	SOAP          bool
	SOAPNamespace string

	// CharacterEncoding is the charset declared by the caller, utf-8 when
	// none was declared.
	CharacterEncoding string

	Kvp    KVP
	RawKvp KVP

	// Input is the XML or text body, nil when there is none. Peeking is
	// the only supported look ahead.
	Input *bufio.Reader

	Service      string
	Request      string
	Version      string
	Namespace    string
	OutputFormat string

	// PostRequestElementName is the local name of the XML body root.
	PostRequestElementName string

	// Context and Path split the request path on its last segment.
	Context string
	Path    string

	ServiceDescriptor *Service
	Operation         *Operation

	// Error is the terminal error of the call, if any.
	Error error

	kvpParsed  bool
	transcoded bool
	released   bool
	resources  []func() error
}

// NewRequest creates the request state for an inbound call.
func NewRequest(r *http.Request, w http.ResponseWriter) *Request {
	return &Request{
		ID:                uuid.New().String(),
		Timestamp:         time.Now(),
		HTTPRequest:       r,
		HTTPResponse:      w,
		CharacterEncoding: "utf-8",
	}
}

func (r *Request) String() string {
	return fmt.Sprintf("%s %s %s %s", r.Service, r.Version, r.Request, r.OutputFormat)
}

// SetOrAppendKvp layers parsed and raw parameters on top of the current
// ones, the new values winning on conflicting keys.
func (r *Request) SetOrAppendKvp(kvp, raw KVP) {
	if r.Kvp == nil {
		r.Kvp = make(KVP, len(kvp))
	}
	for k, v := range kvp {
		r.Kvp[k] = v
	}
	if r.RawKvp == nil {
		r.RawKvp = make(KVP, len(raw))
	}
	for k, v := range raw {
		r.RawKvp[k] = v
	}
}

// NewXMLDecoder returns a decoder for the request body that honours XML
// encoding declarations unless the body was already transcoded from the
// charset declared over HTTP.
func (r *Request) NewXMLDecoder(in io.Reader) *xml.Decoder {
	dec := xml.NewDecoder(in)
	if r != nil && r.transcoded {
		dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
			return input, nil
		}
	} else {
		dec.CharsetReader = charset.NewReaderLabel
	}
	return dec
}

// addResource registers a cleanup run when the call finishes.
func (r *Request) addResource(release func() error) {
	r.resources = append(r.resources, release)
}

// release frees every resource owned by the call, last registered first.
// It is safe to call more than once.
func (r *Request) release() {
	if r == nil || r.released {
		return
	}
	r.released = true
	for i := len(r.resources) - 1; i >= 0; i-- {
		if err := r.resources[i](); err != nil {
			logger.Warnf("Failed to release request resource: %v", err)
		}
	}
	r.resources = nil
}

type requestKey struct{}

// WithRequest stores the current call in ctx.
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey{}, req)
}

// RequestFromContext returns the call stored in ctx, or nil.
func RequestFromContext(ctx context.Context) *Request {
	req, _ := ctx.Value(requestKey{}).(*Request)
	return req
}
