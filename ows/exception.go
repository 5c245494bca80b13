package ows

import (
	"bytes"
	"net/http"

	"github.com/nci/owsd/utils"
)

// ServiceExceptionHandler writes the fault document of a failed call for
// the services it is registered for.
type ServiceExceptionHandler interface {
	// Services lists the ids of the services handled.
	Services() []string
	HandleServiceException(ex *ServiceException, req *Request) error
}

const ows10Template = `<?xml version="1.0" encoding="UTF-8"?>
<ows:ExceptionReport version="{{ .Version }}" xsi:schemaLocation="http://www.opengis.net/ows {{ .SchemaLocation }}" xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xmlns:ows="http://www.opengis.net/ows">
  <ows:Exception exceptionCode="{{ .Code }}"{{ if .Locator }} locator="{{ .Locator }}"{{ end }}>
    <ows:ExceptionText>{{ .Message }}{{ range .Text }}
{{ . }}{{ end }}</ows:ExceptionText>
  </ows:Exception>
</ows:ExceptionReport>
`

const soapFaultTemplate = `<soap:Envelope xmlns:soap='{{ .Namespace }}'><soap:Header/><soap:Body><soap:Fault><soap:Code><soap:Value>soap:Receiver</soap:Value></soap:Code><soap:Reason><soap:Text>{{ .Message }}</soap:Text></soap:Reason><soap:Detail>`

var exceptionTemplates = utils.NewTemplateSet(map[string]string{
	"ows10":      ows10Template,
	"soap_fault": soapFaultTemplate,
})

type exceptionReport struct {
	Version        string
	SchemaLocation string
	Code           string
	Locator        string
	Message        string
	Text           []string
}

// OWS10ExceptionHandler writes OWS 1.0 exception reports. It is used for
// calls whose service has no handler of its own.
type OWS10ExceptionHandler struct {
	ServiceIDs []string
	// SchemaLocation defaults to owsExceptionReport.xsd.
	SchemaLocation string
	ContentType    string
}

func NewOWS10ExceptionHandler(services ...string) *OWS10ExceptionHandler {
	return &OWS10ExceptionHandler{ServiceIDs: services}
}

func (h *OWS10ExceptionHandler) Services() []string {
	return h.ServiceIDs
}

func (h *OWS10ExceptionHandler) HandleServiceException(ex *ServiceException, req *Request) error {
	report := exceptionReport{
		Version:        "1.0.0",
		SchemaLocation: h.SchemaLocation,
		Code:           ex.Code,
		Locator:        ex.Locator,
		Message:        ex.Message,
		Text:           ex.ExceptionText,
	}
	if report.SchemaLocation == "" {
		report.SchemaLocation = "owsExceptionReport.xsd"
	}
	if report.Code == "" {
		report.Code = NoApplicableCode
	}

	var buf bytes.Buffer
	if err := utils.ExecuteTemplate(exceptionTemplates, "ows10", &buf, report); err != nil {
		return err
	}

	contentType := h.ContentType
	if contentType == "" {
		contentType = "application/xml"
	}
	w := req.HTTPResponse
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, err := buf.WriteTo(w)
	return err
}

// soapExceptionHandler wraps the document of another handler into a SOAP
// fault.
type soapExceptionHandler struct {
	delegate ServiceExceptionHandler
}

func (h *soapExceptionHandler) Services() []string {
	return h.delegate.Services()
}

func (h *soapExceptionHandler) HandleServiceException(ex *ServiceException, req *Request) error {
	capture := newCaptureWriter()
	inner := *req
	inner.HTTPResponse = capture
	if err := h.delegate.HandleServiceException(ex, &inner); err != nil {
		return err
	}

	namespace := req.SOAPNamespace
	if namespace == "" {
		namespace = SOAP12Namespace
	}

	var buf bytes.Buffer
	err := utils.ExecuteTemplate(exceptionTemplates, "soap_fault", &buf, struct {
		Namespace string
		Message   string
	}{namespace, ex.Message})
	if err != nil {
		return err
	}
	buf.Write(stripXMLDeclaration(capture.buf.Bytes()))
	buf.WriteString("</soap:Detail></soap:Fault></soap:Body></soap:Envelope>")

	w := req.HTTPResponse
	w.Header().Set("Content-Type", SOAPMimeType)
	w.WriteHeader(capture.status)
	_, err = buf.WriteTo(w)
	return err
}

func stripXMLDeclaration(doc []byte) []byte {
	doc = bytes.TrimSpace(doc)
	if bytes.HasPrefix(doc, []byte("<?xml")) {
		if i := bytes.Index(doc, []byte("?>")); i >= 0 {
			doc = bytes.TrimSpace(doc[i+2:])
		}
	}
	return doc
}

// captureWriter is an in memory http.ResponseWriter.
type captureWriter struct {
	header http.Header
	status int
	buf    bytes.Buffer
}

func newCaptureWriter() *captureWriter {
	return &captureWriter{header: make(http.Header), status: http.StatusOK}
}

func (c *captureWriter) Header() http.Header         { return c.header }
func (c *captureWriter) Write(p []byte) (int, error) { return c.buf.Write(p) }
func (c *captureWriter) WriteHeader(status int)      { c.status = status }
