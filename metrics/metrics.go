package metrics

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/nci/owsd/utils"
)

type URLInfo struct {
	RawURL string            `json:"raw_url"`
	Host   string            `json:"host"`
	Path   string            `json:"path"`
	Query  map[string]string `json:"query"`
}

// DispatchInfo is what the dispatcher resolved for a call.
type DispatchInfo struct {
	Service       string `json:"service"`
	Version       string `json:"version"`
	Request       string `json:"request"`
	Operation     string `json:"operation,omitempty"`
	OutputFormat  string `json:"output_format,omitempty"`
	SOAP          bool   `json:"soap,omitempty"`
	Error         string `json:"error,omitempty"`
	ExceptionCode string `json:"exception_code,omitempty"`
	Locator       string `json:"locator,omitempty"`
}

type MetricsInfo struct {
	RequestID   string        `json:"request_id"`
	Timestamp   time.Time     `json:"-"`
	ReqTime     string        `json:"req_time"`
	ReqDuration time.Duration `json:"req_duration"`
	Method      string        `json:"method"`
	URL         URLInfo       `json:"url"`
	RemoteAddr  string        `json:"remote_addr"`
	RemoteHost  string        `json:"remote_host"`
	RemotePort  string        `json:"remote_port"`
	HTTPStatus  int           `json:"http_status"`
	Dispatch    *DispatchInfo `json:"dispatch"`
}

// MetricsCollector gathers the metrics of one call and hands them to a
// Logger once the call is over.
type MetricsCollector struct {
	Info   *MetricsInfo
	logger Logger
}

func NewMetricsCollector(logger Logger) *MetricsCollector {
	return &MetricsCollector{
		Info: &MetricsInfo{
			Dispatch: &DispatchInfo{},
		},
		logger: logger,
	}
}

func (m *MetricsCollector) Log() {
	if m.logger != nil {
		m.logger.Log(m.Info)
	}
}

func (i *MetricsInfo) ToJSON() (string, error) {
	i.normaliseNetworkAddr(i.RemoteAddr)
	if err := i.normaliseURL(&i.URL); err != nil {
		log.Debugf("normaliseURL() error: %v", err)
	}

	buf := new(bytes.Buffer)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(i); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (i *MetricsInfo) normaliseNetworkAddr(addr string) {
	i.RemoteHost, i.RemotePort = utils.ParseRemoteAddr(addr)
}

func (i *MetricsInfo) normaliseURL(u *URLInfo) error {
	r, err := url.Parse(u.RawURL)
	if err != nil {
		return err
	}

	u.Host = r.Host
	u.Path = r.Path
	query, err := utils.ParseQuery(r.RawQuery)
	if u.Query == nil {
		u.Query = make(map[string]string)
	}
	for k, v := range query {
		switch len(v) {
		case 0:
			u.Query[k] = ""
		case 1:
			u.Query[k] = v[0]
		default:
			u.Query[k] = fmt.Sprintf("%v", v)
		}
	}
	return err
}
