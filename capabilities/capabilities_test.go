package capabilities

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testServices = []utils.ServiceConfig{
	{
		ID:         "wms",
		Version:    "1.1.1",
		Namespace:  "http://www.opengis.net/wms",
		Title:      "Maps",
		Operations: []string{"GetCapabilities"},
	},
	{
		ID:         "wms",
		Version:    "1.3.0",
		Namespace:  "http://www.opengis.net/wms",
		Title:      "Maps & more",
		Abstract:   "Web Map Service",
		Keywords:   []string{"maps", "ogc"},
		Operations: []string{"GetCapabilities", "GetMap"},
	},
	{
		ID:         "wps",
		Version:    "1.0.0",
		Title:      "Processes",
		Operations: []string{"GetCapabilities"},
	},
}

func newHandler(t *testing.T) http.Handler {
	t.Helper()
	registry, err := ows.NewRegistry(NewCatalog(testServices).Extensions())
	require.NoError(t, err)
	return ows.NewDispatcher(registry, ows.Config{ContextPath: "/geoserver"})
}

func serve(h http.Handler, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestKvpGetCapabilities(t *testing.T) {
	w := serve(newHandler(t), httptest.NewRequest("GET", "http://example.com/geoserver/ows?service=WMS&request=GetCapabilities", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/xml; charset=UTF-8", w.Header().Get("Content-Type"))

	body := w.Body.String()
	assert.Contains(t, body, `<Capabilities service="WMS" version="1.3.0" xmlns="http://www.opengis.net/wms"`)
	assert.Contains(t, body, "<ows:Title>Maps &amp; more</ows:Title>")
	assert.Contains(t, body, "<ows:Abstract>Web Map Service</ows:Abstract>")
	assert.Contains(t, body, "<ows:Keyword>maps</ows:Keyword><ows:Keyword>ogc</ows:Keyword>")
	assert.Contains(t, body, "<ows:ServiceTypeVersion>1.3.0</ows:ServiceTypeVersion>")
	assert.Contains(t, body, "<ows:ServiceTypeVersion>1.1.1</ows:ServiceTypeVersion>")
	assert.Contains(t, body, `<ows:Operation name="GetMap">`)
	assert.Contains(t, body, `xlink:href="http://example.com/geoserver/wms"`)
	assert.Contains(t, body, "<Contents/>")
}

func TestVersionNegotiation(t *testing.T) {
	h := newHandler(t)

	w := serve(h, httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&version=1.1.1", nil))
	assert.Contains(t, w.Body.String(), `version="1.1.1"`)
	assert.Contains(t, w.Body.String(), "<ows:Title>Maps</ows:Title>")

	w = serve(h, httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&acceptversions=2.0.0,1.1.1", nil))
	assert.Contains(t, w.Body.String(), `version="1.1.1"`)

	w = serve(h, httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&acceptversions=2.0.0", nil))
	assert.Contains(t, w.Body.String(), `exceptionCode="VersionNegotiationFailed"`)
	assert.Contains(t, w.Body.String(), `locator="AcceptVersions"`)
}

func TestSections(t *testing.T) {
	h := newHandler(t)

	w := serve(h, httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&sections=OperationsMetadata", nil))
	body := w.Body.String()
	assert.Contains(t, body, "<ows:OperationsMetadata>")
	assert.NotContains(t, body, "<ows:ServiceIdentification>")
	assert.NotContains(t, body, "<Contents/>")

	w = serve(h, httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&sections=Layers", nil))
	assert.Contains(t, w.Body.String(), `exceptionCode="InvalidParameterValue"`)
	assert.Contains(t, w.Body.String(), `locator="Sections"`)
}

func TestInvalidParameter(t *testing.T) {
	w := serve(newHandler(t), httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&version=latest", nil))
	assert.Contains(t, w.Body.String(), `exceptionCode="InvalidParameterValue"`)
	assert.Contains(t, w.Body.String(), `locator="version"`)
}

func TestAcceptFormats(t *testing.T) {
	w := serve(newHandler(t), httptest.NewRequest("GET", "/geoserver/ows?service=WMS&request=GetCapabilities&acceptformats=application/xml", nil))
	assert.Equal(t, "application/xml; charset=UTF-8", w.Header().Get("Content-Type"))
}

func TestXmlGetCapabilities(t *testing.T) {
	body := `<?xml version="1.0"?>
<GetCapabilities service="WPS" xmlns="http://www.opengis.net/ows/1.1">
  <AcceptVersions><Version>1.0.0</Version></AcceptVersions>
  <Sections><Section>ServiceIdentification</Section></Sections>
</GetCapabilities>`
	r := httptest.NewRequest("POST", "/geoserver/ows", strings.NewReader(body))
	r.Header.Set("Content-Type", "text/xml")
	w := serve(newHandler(t), r)

	require.Equal(t, http.StatusOK, w.Code)
	out := w.Body.String()
	assert.Contains(t, out, `<Capabilities service="WPS" version="1.0.0" xmlns="http://www.opengis.net/ows/1.1"`)
	assert.Contains(t, out, "<ows:Title>Processes</ows:Title>")
	assert.NotContains(t, out, "<ows:OperationsMetadata>")
}

func TestDocumentDirect(t *testing.T) {
	c := NewCatalog(testServices)
	doc, err := c.Document(testServices[0], &Request{BaseURL: "http://h/", Sections: []string{"all"}})
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", doc.Version)
	assert.Equal(t, []string{"1.3.0", "1.1.1"}, doc.Versions)
	assert.Equal(t, "http://h/wms", doc.OnlineResource)
	assert.True(t, doc.ShowIdentification && doc.ShowProvider && doc.ShowOperations && doc.ShowContents)
	assert.Equal(t, DocumentKind, ows.KindOf(doc))
}
