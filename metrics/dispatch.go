package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const unknownLabel = "unknown"

// DispatchMetrics is a dispatcher callback that counts and times every
// call and hands a MetricsInfo per call to a Logger.
type DispatchMetrics struct {
	ows.BaseCallback

	logger     Logger
	requests   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	exceptions *prometheus.CounterVec
}

// NewDispatchMetrics registers its collectors on reg. Collectors already
// registered by a previous instance are reused, so that a configuration
// reload keeps its counters.
func NewDispatchMetrics(logger Logger, reg prometheus.Registerer) (*DispatchMetrics, error) {
	m := &DispatchMetrics{
		logger: logger,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "owsd",
			Name:      "requests_total",
			Help:      "OWS calls by service, request and HTTP status.",
		}, []string{"service", "request", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "owsd",
			Name:      "request_duration_seconds",
			Help:      "OWS call latency by service and request.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service", "request"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "owsd",
			Name:      "exceptions_total",
			Help:      "Failed OWS calls by service and exception code.",
		}, []string{"service", "code"}),
	}
	if reg == nil {
		return m, nil
	}

	var err error
	if m.requests, err = registerCounter(reg, m.requests); err != nil {
		return nil, err
	}
	if m.exceptions, err = registerCounter(reg, m.exceptions); err != nil {
		return nil, err
	}
	if err = reg.Register(m.duration); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		m.duration = are.ExistingCollector.(*prometheus.HistogramVec)
	}
	return m, nil
}

func registerCounter(reg prometheus.Registerer, c *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		are, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			return nil, err
		}
		return are.ExistingCollector.(*prometheus.CounterVec), nil
	}
	return c, nil
}

func (m *DispatchMetrics) Finished(req *ows.Request) {
	collector := NewMetricsCollector(m.logger)
	info := collector.Info
	info.RequestID = req.ID
	info.Timestamp = req.Timestamp
	info.ReqTime = req.Timestamp.Format(time.RFC3339)
	info.ReqDuration = time.Since(req.Timestamp)
	info.HTTPStatus = httpStatus(req)
	if r := req.HTTPRequest; r != nil {
		info.Method = r.Method
		info.URL.RawURL = r.URL.String()
		info.RemoteAddr = r.RemoteAddr
		if r.Header.Get("X-Forwarded-For") != "" {
			info.RemoteAddr = utils.RemoteHost(r)
		}
	}

	d := info.Dispatch
	d.Service = req.Service
	d.Version = req.Version
	d.Request = req.Request
	d.OutputFormat = req.OutputFormat
	d.SOAP = req.SOAP
	if req.Operation != nil {
		d.Operation = req.Operation.ID
	}
	if req.Error != nil {
		d.Error = req.Error.Error()
		d.ExceptionCode, d.Locator = exceptionCode(req.Error)
	}

	service, request := labels(req)
	m.requests.WithLabelValues(service, request, strconv.Itoa(info.HTTPStatus)).Inc()
	m.duration.WithLabelValues(service, request).Observe(info.ReqDuration.Seconds())
	if req.Error != nil {
		m.exceptions.WithLabelValues(service, d.ExceptionCode).Inc()
	}

	collector.Log()
}

// labels only uses values resolved against the registry, never raw
// parameters, to bound the label cardinality.
func labels(req *ows.Request) (string, string) {
	service, request := unknownLabel, unknownLabel
	if req.ServiceDescriptor != nil {
		service = strings.ToLower(req.ServiceDescriptor.ID)
	}
	if op := req.Operation; op != nil {
		request = op.ID
		if op.Method != nil {
			request = op.Method.Name
		}
	}
	return service, request
}

func httpStatus(req *ows.Request) int {
	if s, ok := req.HTTPResponse.(interface{ Status() int }); ok && s.Status() != 0 {
		return s.Status()
	}
	var se *ows.SecurityError
	if errors.As(req.Error, &se) {
		if se.StatusCode != 0 {
			return se.StatusCode
		}
		return http.StatusForbidden
	}
	return http.StatusOK
}

// exceptionCode names the failure of a call the way the client saw it.
func exceptionCode(err error) (string, string) {
	var se *ows.SecurityError
	if errors.As(err, &se) {
		return "Security", ""
	}
	var ece *ows.HTTPErrorCodeError
	if errors.As(err, &ece) {
		return strconv.Itoa(ece.StatusCode), ""
	}
	var ex *ows.ServiceException
	if errors.As(err, &ex) && ex.Code != "" {
		return ex.Code, ex.Locator
	}
	if ex != nil {
		return ows.NoApplicableCode, ex.Locator
	}
	return ows.NoApplicableCode, ""
}
