package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nci/owsd/ows"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memLogger struct {
	mu    sync.Mutex
	infos []*MetricsInfo
}

func (l *memLogger) Log(info *MetricsInfo) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.infos = append(l.infos, info)
}

type denyAll struct {
	ows.BaseCallback
}

func (denyAll) ServiceDispatched(req *ows.Request, s *ows.Service) (*ows.Service, error) {
	if req.Kvp.Has("deny") {
		return nil, ows.NewSecurityError(http.StatusUnauthorized, errors.New("go away"))
	}
	return nil, nil
}

func newHandler(t *testing.T, m *DispatchMetrics) http.Handler {
	t.Helper()
	caps := func(context.Context, []interface{}) (interface{}, error) {
		return "capabilities", nil
	}
	registry, err := ows.NewRegistry(ows.Extensions{
		Services: []*ows.Service{{
			ID:         "wms",
			Version:    "1.3.0",
			Operations: []string{"GetCapabilities"},
			Handler:    ows.Methods{{Name: "GetCapabilities", Invoke: caps}},
		}},
		Responses: []ows.Response{ows.NewStringResponse("text/plain")},
		Callbacks: []ows.DispatcherCallback{denyAll{}, m},
	})
	require.NoError(t, err)
	return RecordStatus(ows.NewDispatcher(registry, ows.Config{}))
}

func TestDispatchMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	logger := &memLogger{}
	m, err := NewDispatchMetrics(logger, reg)
	require.NoError(t, err)
	h := newHandler(t, m)

	for _, target := range []string{
		"/ows?service=WMS&request=GetCapabilities",
		"/ows?service=WMS&request=getcapabilities",
		"/ows?service=WMS&request=GetMap",
		"/ows?service=WMS&request=GetCapabilities&deny=1",
	} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", target, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("wms", "GetCapabilities", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("wms", unknownLabel, "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("wms", unknownLabel, "401")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exceptions.WithLabelValues("wms", ows.OperationNotSupported)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exceptions.WithLabelValues("wms", "Security")))
	assert.Equal(t, 2, testutil.CollectAndCount(m.duration))

	require.Len(t, logger.infos, 4)
	ok := logger.infos[0]
	assert.Equal(t, 200, ok.HTTPStatus)
	assert.Equal(t, "GET", ok.Method)
	assert.Equal(t, "WMS", ok.Dispatch.Service)
	assert.Equal(t, "GetCapabilities", ok.Dispatch.Operation)
	assert.Empty(t, ok.Dispatch.Error)

	failed := logger.infos[2]
	assert.Equal(t, ows.OperationNotSupported, failed.Dispatch.ExceptionCode)
	assert.Equal(t, "GetMap", failed.Dispatch.Locator)

	denied := logger.infos[3]
	assert.Equal(t, 401, denied.HTTPStatus)
	assert.Equal(t, "Security", denied.Dispatch.ExceptionCode)

	// a reload reuses the registered collectors
	again, err := NewDispatchMetrics(logger, reg)
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(again.requests.WithLabelValues("wms", "GetCapabilities", "200")))
}

func TestStatusRecorder(t *testing.T) {
	w := httptest.NewRecorder()
	r := NewStatusRecorder(w)
	assert.Equal(t, 0, r.Status())

	r.WriteHeader(http.StatusNotModified)
	r.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusNotModified, r.Status())

	r = NewStatusRecorder(httptest.NewRecorder())
	_, err := r.Write([]byte("x"))
	require.NoError(t, err)
	r.Flush()
	assert.Equal(t, http.StatusOK, r.Status())
}
