package ows

import (
	"bufio"
	"encoding/xml"
	"io"
	"io/ioutil"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xmlReader(ns, element, version, service string) *XmlReaderFunc {
	return &XmlReaderFunc{
		Name:    xml.Name{Space: ns, Local: element},
		Ver:     version,
		Service: service,
		Func: func(_ interface{}, input io.Reader, _ *Request) (interface{}, error) {
			b, err := ioutil.ReadAll(input)
			return string(b), err
		},
	}
}

const wfsNS = "http://www.opengis.net/wfs"

func TestFindXmlReaderByNamespaceAndElement(t *testing.T) {
	r10 := xmlReader(wfsNS, "GetFeature", "1.0.0", "wfs")
	r11 := xmlReader(wfsNS, "GetFeature", "1.1.0", "wfs")
	other := xmlReader("http://www.opengis.net/wms", "GetFeature", "1.1.0", "wms")
	readers := []XmlRequestReader{r10, r11, other}

	assert.Equal(t, r11, findXmlReader(readers, wfsNS, "getfeature", "", ""))
	assert.Equal(t, r10, findXmlReader(readers, wfsNS, "GetFeature", "WFS", "1.0.0"))
	// no reader of the version, the filter is ignored
	assert.Equal(t, r11, findXmlReader(readers, wfsNS, "GetFeature", "wfs", "2.0.0"))
	assert.Nil(t, findXmlReader(readers, wfsNS, "Transaction", "", ""))
}

func TestFindXmlReaderWithoutNamespace(t *testing.T) {
	wfs := xmlReader(wfsNS, "GetCapabilities", "1.1.0", "wfs")
	wfs10 := xmlReader(wfsNS, "GetCapabilities", "1.0.0", "wfs")
	assert.Equal(t, wfs, findXmlReader([]XmlRequestReader{wfs10, wfs}, "", "GetCapabilities", "", ""))

	// claimed by two services: ambiguous
	wcs := xmlReader("http://www.opengis.net/wcs", "GetCapabilities", "1.0.0", "wcs")
	assert.Nil(t, findXmlReader([]XmlRequestReader{wfs, wcs}, "", "GetCapabilities", "", ""))
}

func TestFindXmlReaderServiceFilter(t *testing.T) {
	generic := xmlReader(wfsNS, "GetFeature", "", "")
	wfs := xmlReader(wfsNS, "GetFeature", "", "wfs")
	wms := xmlReader(wfsNS, "GetFeature", "", "wms")

	assert.Equal(t, wfs, findXmlReader([]XmlRequestReader{generic, wfs, wms}, wfsNS, "GetFeature", "wfs", ""))
	assert.Equal(t, generic, findXmlReader([]XmlRequestReader{generic, wms}, wfsNS, "GetFeature", "wfs", ""))
}

func TestFindXmlReaderKeepsVersionlessReaders(t *testing.T) {
	generic := xmlReader(wfsNS, "GetFeature", "", "wfs")
	wfs20 := xmlReader(wfsNS, "GetFeature", "2.0.0", "wfs")
	readers := []XmlRequestReader{generic, wfs20}

	assert.Equal(t, generic, findXmlReader(readers, wfsNS, "GetFeature", "wfs", "1.0.0"))
	assert.Equal(t, wfs20, findXmlReader(readers, wfsNS, "GetFeature", "wfs", "2.0.0"))
	assert.Equal(t, wfs20, findXmlReader(readers, wfsNS, "GetFeature", "", ""))
}

func TestFindXmlReaderSingleMatch(t *testing.T) {
	wms := xmlReader(wfsNS, "GetFeature", "1.1.0", "wms")
	readers := []XmlRequestReader{wms}

	// a lone match is not filtered
	assert.Equal(t, wms, findXmlReader(readers, wfsNS, "GetFeature", "wfs", "2.0.0"))
}

func TestReadOpPost(t *testing.T) {
	body := `<?xml version="1.0" encoding="UTF-8"?>
<!-- a comment -->
<wfs:GetFeature xmlns:wfs="http://www.opengis.net/wfs" service="WFS" version="1.1" outputFormat="GML2">
  <wfs:Query typeName="topp:states"/>
</wfs:GetFeature>`
	in := bufio.NewReaderSize(strings.NewReader(body), DefaultXMLLookahead)

	root, err := readOpPost(in, DefaultXMLLookahead, nil)
	require.NoError(t, err)
	assert.Equal(t, &xmlRoot{
		Namespace:    wfsNS,
		Request:      "GetFeature",
		Service:      "WFS",
		Version:      "1.1",
		OutputFormat: "GML2",
	}, root)

	// the body is left untouched
	rest, err := ioutil.ReadAll(in)
	require.NoError(t, err)
	assert.Equal(t, body, string(rest))
}

func TestReadOpPostLatin1(t *testing.T) {
	body := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><GetMap service=\"WMS\" version=\"1.3.0\"/>"
	in := bufio.NewReaderSize(strings.NewReader(body), DefaultXMLLookahead)
	root, err := readOpPost(in, DefaultXMLLookahead, nil)
	require.NoError(t, err)
	assert.Equal(t, "GetMap", root.Request)
	assert.Equal(t, "", root.Namespace)
}

func TestReadOpPostNotXML(t *testing.T) {
	in := bufio.NewReaderSize(strings.NewReader("just text"), DefaultXMLLookahead)
	_, err := readOpPost(in, DefaultXMLLookahead, nil)
	assert.Error(t, err)
}
