package ows

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"mime"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"

	"github.com/nci/owsd/utils"
	"github.com/pkg/errors"
	"golang.org/x/net/html/charset"
)

const (
	DefaultXMLLookahead                = 8192
	DefaultXMLPostRequestLogBufferSize = 1024
)

var citeVersion = regexp.MustCompile(`^\d\.\d\.\d$`)

// Config tunes a Dispatcher. The zero value is usable.
type Config struct {
	// CiteCompliant enforces explicit service and version parameters.
	CiteCompliant bool
	// XMLLookahead bounds the bytes inspected to find the root element of
	// an XML body.
	XMLLookahead int
	// XMLPostRequestLogBufferSize is how much of an XML body is logged at
	// debug level.
	XMLPostRequestLogBufferSize int
	// ContextPath is the path prefix the dispatcher is mounted on.
	ContextPath string
	// ProxyBaseURL replaces the base URL computed from the request.
	ProxyBaseURL string

	FileItemFactory FileItemFactory
	OutputStrategy  OutputStrategyFactory

	// IsSecurityError tells security errors apart, IsSecurityError by
	// default.
	IsSecurityError func(error) bool
	// SecurityErrorHandler answers security errors in ServeHTTP.
	SecurityErrorHandler func(w http.ResponseWriter, r *http.Request, err error)
}

// Dispatcher routes OWS calls to the operations of the registered
// services and writes their results back.
type Dispatcher struct {
	registry       *Registry
	cfg            Config
	defaultHandler ServiceExceptionHandler
}

func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	if cfg.XMLLookahead <= 0 {
		if cfg.XMLLookahead < 0 {
			logger.Errorf("Invalid XML lookahead value %d, will use %d instead", cfg.XMLLookahead, DefaultXMLLookahead)
		}
		cfg.XMLLookahead = DefaultXMLLookahead
	}
	if cfg.XMLPostRequestLogBufferSize < 0 {
		cfg.XMLPostRequestLogBufferSize = DefaultXMLPostRequestLogBufferSize
	}
	if cfg.FileItemFactory == nil {
		cfg.FileItemFactory = NewDiskFileItemFactory(DefaultSizeThreshold, "")
	}
	if cfg.OutputStrategy == nil {
		cfg.OutputStrategy = NewDirectOutputStrategy
	}
	if cfg.IsSecurityError == nil {
		cfg.IsSecurityError = IsSecurityError
	}
	cfg.ContextPath = "/" + strings.Trim(cfg.ContextPath, "/")
	return &Dispatcher{registry: registry, cfg: cfg, defaultHandler: NewOWS10ExceptionHandler()}
}

// Registry returns the extensions the dispatcher routes to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	err := d.Handle(w, r)
	if err == nil {
		return
	}
	if d.cfg.SecurityErrorHandler != nil {
		d.cfg.SecurityErrorHandler(w, r, err)
		return
	}
	status := http.StatusForbidden
	var se *SecurityError
	if errors.As(err, &se) && se.StatusCode != 0 {
		status = se.StatusCode
	}
	http.Error(w, err.Error(), status)
}

// Handle serves one call. Failures are answered with a fault document,
// except security errors which are returned untouched.
func (d *Dispatcher) Handle(w http.ResponseWriter, r *http.Request) (err error) {
	req := NewRequest(r, w)
	d.preprocess(req)

	// Init callbacks may replace req, resources stay with the original.
	original := req
	var service *Service
	defer func() {
		d.fireFinished(req)
		req.release()
		original.release()
	}()
	defer func() {
		if p := recover(); p != nil {
			logger.Errorf("Panic serving %s: %v\n%s", r.URL, p, debug.Stack())
			err = d.exception(errors.Errorf("%v", p), service, req)
		}
	}()

	if req, err = d.init(req); err != nil {
		return d.exception(err, nil, req)
	}
	ctx := WithRequest(r.Context(), req)

	if service, err = d.service(req); err != nil {
		return d.exception(err, nil, req)
	}
	if req.Error != nil {
		return d.exception(req.Error, service, req)
	}

	op, err := d.dispatch(req, service)
	if err != nil {
		return d.exception(err, service, req)
	}
	req.Operation = op
	if req.SOAP {
		flagAsSOAP(op)
	}

	result, err := d.execute(ctx, req, op)
	if err != nil {
		return d.exception(err, service, req)
	}
	if result != nil {
		if err = d.response(result, req, op); err != nil {
			return d.exception(err, service, req)
		}
	}
	return nil
}

// preprocess picks the character encoding of the call, utf-8 unless the
// caller declared a charset we know.
func (d *Dispatcher) preprocess(req *Request) {
	_, params, err := mime.ParseMediaType(req.HTTPRequest.Header.Get("Content-Type"))
	if err != nil || params["charset"] == "" {
		return
	}
	enc, name := charset.Lookup(params["charset"])
	if enc == nil {
		return
	}
	req.CharacterEncoding = name
}

func isForm(contentType string) bool {
	return strings.HasPrefix(contentType, "application/x-www-form-urlencoded")
}

func (d *Dispatcher) init(req *Request) (*Request, error) {
	hr := req.HTTPRequest
	contentType := hr.Header.Get("Content-Type")
	req.Get = strings.EqualFold(hr.Method, http.MethodGet) || isForm(contentType)

	if err := d.parseKvp(req); err != nil {
		return req, err
	}

	if !req.Get {
		switch {
		case strings.HasPrefix(contentType, SOAPMimeType):
			req.SOAP = true
			data, err := ioutil.ReadAll(d.decode(req, hr.Body))
			if err != nil {
				return req, errors.Wrap(err, "Error reading SOAP request")
			}
			payload, namespace, err := unwrapSOAP(data)
			if err != nil {
				return req, err
			}
			req.SOAPNamespace = namespace
			req.Input = bufio.NewReaderSize(bytes.NewReader(payload), d.cfg.XMLLookahead)
		case IsMultipart(hr):
			if err := d.multipart(req); err != nil {
				return req, err
			}
		case hr.Body != nil:
			req.Input = bufio.NewReaderSize(d.decode(req, hr.Body), d.cfg.XMLLookahead)
		}

		if req.Input != nil {
			if _, err := req.Input.Peek(1); err != nil {
				req.Input = nil
			} else {
				logPostPrefix(req.Input, d.cfg.XMLPostRequestLogBufferSize)
			}
		}
	}

	req.Context, req.Path = d.splitPath(hr.URL.Path)

	return d.fireInit(req)
}

// parseKvp reads the query string, and the body of form posts, into the
// request parameters. Parse failures are recorded on the request and
// raised once the service is known.
func (d *Dispatcher) parseKvp(req *Request) error {
	if req.kvpParsed {
		return nil
	}
	hr := req.HTTPRequest
	raw, err := utils.ParseQuery(hr.URL.RawQuery)
	if err != nil {
		return &ServiceException{Message: "Could not parse the request parameters", Code: InvalidParameterValue, Cause: err}
	}
	if isForm(hr.Header.Get("Content-Type")) && hr.Body != nil {
		body, err := ioutil.ReadAll(d.decode(req, hr.Body))
		if err != nil {
			return errors.Wrap(err, "Error reading form parameters")
		}
		form, err := utils.ParseQuery(string(body))
		if err != nil {
			return &ServiceException{Message: "Could not parse the request parameters", Code: InvalidParameterValue, Cause: err}
		}
		for k, v := range form {
			raw[k] = append(raw[k], v...)
		}
	}

	req.kvpParsed = true
	if len(raw) == 0 {
		req.Kvp, req.RawKvp = KVP{}, KVP{}
		return nil
	}
	req.Kvp = NormalizeKvp(raw)
	req.RawKvp = req.Kvp.Copy()
	d.parseKvpValues(req, req.Kvp)
	return nil
}

func (d *Dispatcher) parseKvpValues(req *Request, kvp KVP) {
	if errs := ParseKvp(kvp, d.registry.kvpParsers); len(errs) > 0 && req.Error == nil {
		req.Error = errs[0]
	}
}

// multipart reads a multipart/form-data upload. Its form fields are
// layered over the query string parameters.
func (d *Dispatcher) multipart(req *Request) error {
	body, fields, err := readMultipart(req, d.cfg.FileItemFactory)
	if err != nil {
		return err
	}
	if body != nil {
		rc, err := body.Open()
		if err != nil {
			return &ServiceException{Message: "Error handling multipart/form-data content", Cause: err}
		}
		req.addResource(rc.Close)
		req.Input = bufio.NewReaderSize(d.decode(req, rc), d.cfg.XMLLookahead)
	}

	kvp := NormalizeKvp(fields)
	raw := kvp.Copy()
	d.parseKvpValues(req, kvp)
	req.SetOrAppendKvp(kvp, raw)
	return nil
}

// decode transcodes a body declared in another charset than utf-8.
func (d *Dispatcher) decode(req *Request, r io.Reader) io.Reader {
	if strings.EqualFold(req.CharacterEncoding, "utf-8") {
		return r
	}
	decoded, err := charset.NewReaderLabel(req.CharacterEncoding, r)
	if err != nil {
		return r
	}
	req.transcoded = true
	return decoded
}

// splitPath splits the path below the context path on its last segment.
func (d *Dispatcher) splitPath(path string) (string, string) {
	if d.cfg.ContextPath != "/" {
		path = strings.TrimPrefix(path, d.cfg.ContextPath)
	}
	path = strings.Trim(path, "/")
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i], path[i+1:]
	}
	return "", path
}

// service resolves the service descriptor of the call. The parameters
// come first, then the root element of an XML body for what they leave
// out, then the last path segment.
func (d *Dispatcher) service(req *Request) (*Service, error) {
	if req.Kvp != nil {
		service, err := GetSingleValue(req.Kvp, "service")
		if err != nil {
			return nil, err
		}
		version, err := GetSingleValue(req.Kvp, "version")
		if err != nil {
			return nil, err
		}
		request, err := GetSingleValue(req.Kvp, "request")
		if err != nil {
			return nil, err
		}
		outputFormat, err := GetSingleValue(req.Kvp, "outputformat")
		if err != nil {
			return nil, err
		}
		req.Service = Normalize(service)
		req.Version = NormalizeVersion(Normalize(version))
		req.Request = Normalize(request)
		req.OutputFormat = Normalize(outputFormat)
	}

	if req.Input != nil && strings.EqualFold(req.HTTPRequest.Method, http.MethodPost) {
		root, err := readOpPost(req.Input, d.cfg.XMLLookahead, req)
		if err != nil {
			return nil, err
		}
		req.PostRequestElementName = root.Request
		if req.Service == "" {
			req.Service = root.Service
		}
		if req.Version == "" {
			req.Version = NormalizeVersion(root.Version)
		}
		if req.Request == "" {
			req.Request = Normalize(root.Request)
		}
		if req.OutputFormat == "" {
			req.OutputFormat = root.OutputFormat
		}
		if req.Namespace == "" {
			req.Namespace = Normalize(root.Namespace)
		}
	}

	service := req.Service
	if service == "" {
		service = Normalize(req.Path)
		if service != "" && !d.cfg.CiteCompliant {
			req.Service = service
		}
	}
	if service == "" {
		return nil, NewServiceException("Could not determine service", MissingParameterValue, "service")
	}

	descriptor := d.registry.findService(service, req.Version, req.Namespace)
	if descriptor == nil && req.Context != "" {
		// <service>/<request> style paths
		descriptor = d.registry.findService(req.Context, req.Version, req.Namespace)
		if descriptor != nil {
			if req.Request == "" {
				req.Request = req.Service
			}
			req.Service = req.Context
			req.Context = ""
		}
	}
	if descriptor == nil {
		return nil, NewServiceException(fmt.Sprintf("No service: ( %s )", service), InvalidParameterValue, "service")
	}

	req.ServiceDescriptor = descriptor
	return d.fireServiceDispatched(req, descriptor)
}

// dispatch resolves the operation of the call and binds its parameters.
func (d *Dispatcher) dispatch(req *Request, service *Service) (*Operation, error) {
	if req.Request == "" {
		return nil, NewServiceException(
			fmt.Sprintf("Could not determine geoserver request from http request %s %s", req.HTTPRequest.Method, req.HTTPRequest.URL),
			MissingParameterValue, "request")
	}

	exists := service.HasOperation(req.Request)
	if !exists && req.Kvp.Has("request") {
		request, err := GetSingleValue(req.Kvp, "request")
		if err != nil {
			return nil, err
		}
		req.Request = Normalize(request)
		exists = service.HasOperation(req.Request)
	}

	var method *Method
	if service.Handler != nil {
		method = service.Handler.Method(req.Request)
	}
	if method == nil || !exists {
		return nil, NewServiceException("No such operation "+req.String(), OperationNotSupported, req.Request)
	}

	params := make([]interface{}, len(method.Params))
	for i, kind := range method.Params {
		switch kind {
		case HTTPRequestKind:
			params[i] = req.HTTPRequest
		case HTTPResponseKind:
			params[i] = req.HTTPResponse
		case InputStreamKind:
			if req.Input != nil {
				params[i] = req.Input
			} else {
				params[i] = req.HTTPRequest.Body
			}
		case OutputStreamKind:
			params[i] = io.Writer(req.HTTPResponse)
		default:
			bean, err := d.requestBean(kind, req)
			if err != nil {
				return nil, err
			}
			params[i] = bean
		}
	}

	if d.cfg.CiteCompliant {
		if err := d.citeChecks(req); err != nil {
			return nil, err
		}
	}

	op := &Operation{ID: req.Request, Service: service, Method: method, Parameters: params}
	return d.fireOperationDispatched(req, op)
}

// hasKvpContent reports whether the parameters hold more than the service.
func hasKvpContent(kvp KVP) bool {
	for k := range kvp {
		if k != "service" {
			return true
		}
	}
	return false
}

// requestBean binds a request bean of kind from the parameters and then
// the XML body of the call.
func (d *Dispatcher) requestBean(kind *Kind, req *Request) (interface{}, error) {
	var (
		bean      interface{}
		bindErr   error
		kvpParsed bool
		xmlParsed bool
	)

	if hasKvpContent(req.Kvp) {
		var err error
		if bean, err = d.parseRequestKvp(kind, req); err != nil {
			bindErr = err
			bean = nil
		} else {
			kvpParsed = true
		}
	}
	if req.Input != nil {
		var err error
		if bean, err = d.parseRequestXML(bean, req); err != nil {
			return nil, err
		}
		xmlParsed = true
	}

	if bean == nil {
		if bindErr != nil {
			return nil, bindErr
		}
		switch {
		case kvpParsed == xmlParsed:
			return nil, NewServiceException(fmt.Sprintf("Could not find request reader (either kvp or xml) for: %v, "+
				"it might be that some request parameters are missing, please check the documentation", kind), "", "")
		case kvpParsed:
			return nil, NewServiceException(fmt.Sprintf("Could not parse the KVP for: %v", kind), "", "")
		default:
			return nil, NewServiceException(fmt.Sprintf("Could not parse the XML for: %v", kind), "", "")
		}
	}

	if s, ok := bean.(BaseURLSetter); ok {
		s.SetBaseURL(d.baseURL(req.HTTPRequest))
	}

	if ps, ok := bean.(PropertySource); ok {
		if req.Service == "" {
			if v, found := ps.Property("service"); found {
				req.Service = Normalize(v)
			}
		}
		if req.Version == "" {
			if v, found := ps.Property("version"); found {
				req.Version = NormalizeVersion(Normalize(v))
			}
		}
		if req.OutputFormat == "" {
			if v, found := ps.Property("outputFormat"); found {
				req.OutputFormat = Normalize(v)
			}
		}
	}
	return bean, nil
}

func (d *Dispatcher) parseRequestKvp(kind *Kind, req *Request) (interface{}, error) {
	reader := findKvpRequestReader(d.registry.kvpReaders, kind)
	if reader == nil {
		return nil, nil
	}
	bean, err := reader.CreateRequest()
	if err != nil {
		return nil, err
	}
	return reader.Read(bean, req.Kvp, req.RawKvp)
}

// parseRequestXML reads the body with the reader of its root element.
// The root attributes select the reader, the request values standing in
// for missing ones.
func (d *Dispatcher) parseRequestXML(bean interface{}, req *Request) (interface{}, error) {
	root, err := readOpPost(req.Input, d.cfg.XMLLookahead, req)
	if err != nil {
		return nil, err
	}
	service := root.Service
	if service == "" {
		service = req.Service
	}
	version := NormalizeVersion(root.Version)
	if version == "" {
		version = req.Version
	}

	reader := findXmlReader(d.registry.xmlReaders, root.Namespace, root.Request, service, version)
	if reader == nil {
		xmlLog.Infof("No xml reader: (%s, %s)", root.Namespace, root.Request)
		return bean, nil
	}
	return reader.Read(bean, req.Input, req)
}

func (d *Dispatcher) citeChecks(req *Request) error {
	if !strings.EqualFold(req.Request, "GetCapabilities") {
		if req.Version == "" {
			return NewServiceException("Could not determine version", MissingParameterValue, "version")
		}
		if !citeVersion.MatchString(req.Version) {
			return NewServiceException("Invalid version: "+req.Version, InvalidParameterValue, "version")
		}
		if !d.registry.hasServiceVersion(req.Version) {
			return NewServiceException("Invalid version: "+req.Version, InvalidParameterValue, "version")
		}
	}
	if req.Service == "" {
		return NewServiceException("Could not determine service", MissingParameterValue, "service")
	}
	return nil
}

// baseURL is the URL the dispatcher is reachable at, used in self
// referencing links.
func (d *Dispatcher) baseURL(r *http.Request) string {
	if d.cfg.ProxyBaseURL != "" {
		return strings.TrimSuffix(d.cfg.ProxyBaseURL, "/") + "/"
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return fmt.Sprintf("%s://%s%s", scheme, host, strings.TrimSuffix(d.cfg.ContextPath, "/")+"/")
}

func (d *Dispatcher) execute(ctx context.Context, req *Request, op *Operation) (interface{}, error) {
	var (
		result interface{}
		err    error
	)
	if di, ok := op.Service.Handler.(DirectInvoker); ok {
		result, err = di.InvokeDirect(ctx, op.ID, op.Parameters)
	} else {
		if op.Method == nil || op.Method.Invoke == nil {
			return nil, errors.Errorf("operation %s of %v has no implementation", op.ID, op.Service)
		}
		result, err = op.Method.Invoke(ctx, op.Parameters)
	}
	if err != nil {
		return nil, err
	}
	return d.fireOperationExecuted(req, op, result)
}

// response negotiates the response of result and writes it.
func (d *Dispatcher) response(result interface{}, req *Request, op *Operation) (err error) {
	response, err := findResponse(d.registry.responses, result, op, req.OutputFormat)
	if err != nil {
		return err
	}
	if response, err = d.fireResponseDispatched(req, op, result, response); err != nil {
		return err
	}

	w := req.HTTPResponse
	strategy := d.cfg.OutputStrategy(req)

	mimeType, err := response.MimeType(result, op)
	if err != nil {
		return err
	}
	if req.SOAP {
		mimeType = SOAPMimeType
	}
	if cs := response.Charset(op); cs != "" && mimeType != "" && !strings.Contains(strings.ToLower(mimeType), "charset=") {
		mimeType += "; charset=" + cs
	}
	if mimeType != "" {
		w.Header().Set("Content-Type", mimeType)
	}
	for _, h := range responseHeaders(req, op, result, response) {
		if strings.EqualFold(h[0], "Content-Disposition") {
			w.Header().Set(h[0], h[1])
		} else {
			w.Header().Add(h[0], h[1])
		}
	}

	out := &abortWriter{w: strategy.Destination(w)}
	completed := false
	defer func() {
		if !completed {
			strategy.Abort()
		}
	}()

	if req.SOAP {
		if err = startSOAPEnvelope(out, req.SOAPNamespace, response); err != nil {
			return err
		}
	}
	if err = response.Write(result, out, op); err != nil {
		return err
	}
	if req.SOAP {
		if err = endSOAPEnvelope(out); err != nil {
			return err
		}
	}
	if err = strategy.Flush(w); err != nil {
		return &ClientStreamAbortedError{Err: err}
	}
	completed = true
	return nil
}

// exception answers a failed call. Security errors are returned, every
// other error is consumed: client aborts are only logged, HTTP status
// signals become plain responses and the rest a fault document.
func (d *Dispatcher) exception(err error, service *Service, req *Request) error {
	current := err
	for current != nil {
		if _, ok := current.(*ClientStreamAbortedError); ok {
			break
		}
		if _, ok := current.(*HTTPErrorCodeError); ok {
			break
		}
		if d.cfg.IsSecurityError(current) {
			break
		}
		current = unwrapOne(current)
	}

	if _, ok := current.(*ClientStreamAbortedError); ok {
		logger.Debugf("Client has closed stream: %v", err)
		return nil
	}
	if current != nil && d.cfg.IsSecurityError(current) {
		req.Error = current
		return current
	}

	if ece, ok := current.(*HTTPErrorCodeError); ok {
		if ece.IsError() {
			logger.Infof("%v", err)
		} else {
			logger.Debugf("%v", err)
		}
		d.writeHTTPErrorCode(req.HTTPResponse, ece)
		if !ece.IsError() {
			err = nil
		}
	} else {
		logger.Errorf("%v", err)

		var se *ServiceException
		for cause := err; cause != nil; cause = unwrapOne(cause) {
			if s, ok := cause.(*ServiceException); ok {
				se = s
				break
			}
		}
		if se == nil {
			se = WrapServiceException(err)
		} else if error(se) != err {
			se = &ServiceException{Message: se.Message, Code: se.Code, Locator: se.Locator, ExceptionText: se.ExceptionText, Cause: err}
		}
		d.handleServiceException(se, service, req)
	}

	req.Error = err
	return nil
}

func (d *Dispatcher) writeHTTPErrorCode(w http.ResponseWriter, ece *HTTPErrorCodeError) {
	if ece.ContentType != "" {
		w.Header().Set("Content-Type", ece.ContentType)
	}
	message := ece.Message
	if ece.IsError() {
		if message == "" {
			message = http.StatusText(ece.StatusCode)
		}
		if ece.ContentType == "" {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
	}
	w.WriteHeader(ece.StatusCode)
	if message != "" {
		if _, err := io.WriteString(w, message); err != nil {
			logger.Debugf("Failed to write status %d: %v", ece.StatusCode, err)
		}
	}
}

// handleServiceException writes the fault document with the handler of
// the service, the OWS 1.0 handler when it has none.
func (d *Dispatcher) handleServiceException(se *ServiceException, service *Service, req *Request) {
	handler := d.registry.exceptionHandler(service)
	if handler == nil {
		handler = d.defaultHandler
	}
	if req.SOAP {
		handler = &soapExceptionHandler{delegate: handler}
	}

	req.HTTPResponse.Header().Del("Content-Disposition")

	if err := handler.HandleServiceException(se, req); err != nil {
		logger.Debugf("Failed to write service exception: %v", err)
	}
}
