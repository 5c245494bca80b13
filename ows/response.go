package ows

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/golang/protobuf/proto"
	"github.com/pkg/errors"
)

const (
	DispositionInline = "inline"
	DispositionAttach = "attachment"
)

// Response writes the result of an operation. Responses are selected by
// the kind of the result, CanHandle and, when the call asks for one, the
// output format.
type Response interface {
	// Binding is the kind of result the response encodes.
	Binding() *Kind
	// OutputFormats lists the formats answered to, none meaning any.
	OutputFormats() []string
	CanHandle(op *Operation) bool
	MimeType(value interface{}, op *Operation) (string, error)
	// Charset is appended to the content type when not empty.
	Charset(op *Operation) string
	// Headers are extra headers as name, value pairs.
	Headers(value interface{}, op *Operation) [][2]string
	PreferredDisposition(value interface{}, op *Operation) string
	AttachmentFileName(value interface{}, op *Operation) string
	Write(value interface{}, w io.Writer, op *Operation) error
}

// SOAPAwareResponse adds a type attribute to the SOAP body element.
type SOAPAwareResponse interface {
	Response
	BodyType() string
}

// BaseResponse implements the optional parts of Response. Embed it and
// implement MimeType and Write.
type BaseResponse struct {
	Kind    *Kind
	Formats []string
}

func (r *BaseResponse) Binding() *Kind {
	return r.Kind
}

func (r *BaseResponse) OutputFormats() []string {
	return r.Formats
}

func (r *BaseResponse) CanHandle(*Operation) bool {
	return true
}

func (r *BaseResponse) Charset(*Operation) string {
	return ""
}

func (r *BaseResponse) Headers(interface{}, *Operation) [][2]string {
	return nil
}

// PreferredDisposition is empty so a Content-Disposition header returned
// by Headers is kept.
func (r *BaseResponse) PreferredDisposition(interface{}, *Operation) string {
	return ""
}

func (r *BaseResponse) AttachmentFileName(_ interface{}, op *Operation) string {
	if op == nil {
		return ""
	}
	return strings.ToLower(op.ID)
}

// BytesResponse writes []byte results as is.
type BytesResponse struct {
	BaseResponse
	ContentType string
}

func NewBytesResponse(contentType string, formats ...string) *BytesResponse {
	return &BytesResponse{BaseResponse: BaseResponse{Kind: BytesKind, Formats: formats}, ContentType: contentType}
}

func (r *BytesResponse) MimeType(interface{}, *Operation) (string, error) {
	return r.ContentType, nil
}

func (r *BytesResponse) Write(value interface{}, w io.Writer, _ *Operation) error {
	b, ok := value.([]byte)
	if !ok {
		return errors.Errorf("unexpected result %T", value)
	}
	_, err := w.Write(b)
	return err
}

// StringResponse writes string results as utf-8 text.
type StringResponse struct {
	BaseResponse
	ContentType string
}

func NewStringResponse(contentType string, formats ...string) *StringResponse {
	return &StringResponse{BaseResponse: BaseResponse{Kind: StringKind, Formats: formats}, ContentType: contentType}
}

func (r *StringResponse) MimeType(interface{}, *Operation) (string, error) {
	return r.ContentType, nil
}

func (r *StringResponse) Charset(*Operation) string {
	return "utf-8"
}

func (r *StringResponse) Write(value interface{}, w io.Writer, _ *Operation) error {
	s, ok := value.(string)
	if !ok {
		return errors.Errorf("unexpected result %T", value)
	}
	_, err := io.WriteString(w, s)
	return err
}

// ProtobufResponse encodes protobuf message results.
type ProtobufResponse struct {
	BaseResponse
}

func NewProtobufResponse() *ProtobufResponse {
	return &ProtobufResponse{BaseResponse{Kind: ProtoKind, Formats: []string{"application/x-protobuf", "protobuf"}}}
}

func (r *ProtobufResponse) MimeType(interface{}, *Operation) (string, error) {
	return "application/x-protobuf", nil
}

func (r *ProtobufResponse) Write(value interface{}, w io.Writer, _ *Operation) error {
	msg, ok := value.(proto.Message)
	if !ok {
		return errors.Errorf("unexpected result %T", value)
	}
	b, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding protobuf result")
	}
	_, err = w.Write(b)
	return err
}

// findResponse picks the response for result. The candidates are the
// responses bound to a kind of the result that can handle op and answer
// to the requested output format. The most specific binding wins, two
// candidates sharing it are a configuration error.
func findResponse(responses []Response, result interface{}, op *Operation, outputFormat string) (Response, error) {
	kind := KindOf(result)

	var candidates []Response
	for _, r := range responses {
		if !kind.AssignableTo(r.Binding()) || !r.CanHandle(op) {
			continue
		}
		if outputFormat != "" && !answersTo(r, outputFormat) {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) == 0 {
		if outputFormat != "" {
			return nil, NewServiceException("Failed to find response for output format "+outputFormat, InvalidParameterValue, "outputFormat")
		}
		return nil, errors.Wrapf(ErrNoResponse, "object = %v", kind)
	}

	if len(candidates) > 1 {
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Binding().Depth() > candidates[j].Binding().Depth()
		})
		r1, r2 := candidates[0], candidates[1]
		if r1.Binding() == r2.Binding() {
			return nil, errors.Wrapf(ErrAmbiguousResponse, "(%v): %s, %s", kind, describeResponse(r1), describeResponse(r2))
		}
	}
	return candidates[0], nil
}

func answersTo(r Response, outputFormat string) bool {
	formats := r.OutputFormats()
	if len(formats) == 0 {
		return true
	}
	for _, f := range formats {
		if strings.EqualFold(f, outputFormat) {
			return true
		}
	}
	return false
}

func describeResponse(r Response) string {
	if s, ok := r.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", r)
}

// responseHeaders computes the extra headers of a response, including
// Content-Disposition. The filename and content-disposition parameters of
// the call override the defaults of the response, unknown dispositions are
// dropped.
func responseHeaders(req *Request, op *Operation, result interface{}, response Response) [][2]string {
	disposition := response.PreferredDisposition(result, op)
	filename := response.AttachmentFileName(result, op)

	if v := FirstValue(req.RawKvp, "filename"); v != "" {
		filename = v
	}
	if v := FirstValue(req.RawKvp, "content-disposition"); v != "" {
		disposition = v
	}
	if disposition != DispositionAttach && disposition != DispositionInline {
		disposition = ""
	}

	var headers [][2]string
	provided := false
	for _, h := range response.Headers(result, op) {
		if strings.EqualFold(h[0], "Content-Disposition") {
			if disposition != "" {
				continue
			}
			provided = true
		}
		headers = append(headers, h)
	}

	if !provided {
		if disposition == "" {
			disposition = DispositionInline
		}
		value := disposition
		if filename != "" {
			value += "; filename=" + filename
		}
		headers = append(headers, [2]string{"Content-Disposition", value})
	}
	return headers
}
