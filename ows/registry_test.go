package ows

import (
	"encoding/xml"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T, ext Extensions) *Registry {
	t.Helper()
	r, err := NewRegistry(ext)
	require.NoError(t, err)
	return r
}

func TestFindServiceHighestVersion(t *testing.T) {
	v1 := &Service{ID: "wfs", Version: "1.0.0"}
	v2 := &Service{ID: "wfs", Version: "2.0.0"}
	r := testRegistry(t, Extensions{Services: []*Service{v2, v1}})

	assert.Equal(t, v2, r.findService("WFS", "", ""))
	assert.Equal(t, v1, r.findService("wfs", "1.0.0", ""))
	assert.Equal(t, v1, r.findService("wfs", "1.0", ""))
	// an unknown version is ignored rather than failing
	assert.Equal(t, v2, r.findService("wfs", "3.0.0", ""))
	assert.Nil(t, r.findService("wms", "", ""))
}

func TestFindServiceWorkspacePrefix(t *testing.T) {
	wms := &Service{ID: "wms", Version: "1.1.1"}
	r := testRegistry(t, Extensions{Services: []*Service{wms}})
	assert.Equal(t, wms, r.findService("topp/wms", "", ""))
}

func TestFindServiceNamespace(t *testing.T) {
	a := &Service{ID: "wcs", Version: "1.0.0", Namespace: "http://www.opengis.net/wcs"}
	b := &Service{ID: "wcs", Version: "1.1.0", Namespace: "http://www.opengis.net/wcs/1.1"}
	r := testRegistry(t, Extensions{Services: []*Service{a, b}})

	assert.Equal(t, a, r.findService("wcs", "", "http://www.opengis.net/wcs"))
	assert.Equal(t, b, r.findService("wcs", "", "http://example.com/other"))
}

func TestNewRegistryDuplicateServices(t *testing.T) {
	_, err := NewRegistry(Extensions{Services: []*Service{
		{ID: "wms", Version: "1.1.1"},
		{ID: "WMS", Version: "1.1.1"},
	}})
	require.Error(t, err)
	assert.Equal(t, ErrDuplicateRegistration, errors.Cause(err))

	_, err = NewRegistry(Extensions{Services: []*Service{
		{ID: "wms", Version: "1.1.1"},
		{ID: "wms", Version: "1.3.0"},
	}})
	assert.NoError(t, err)
}

func TestNewRegistryDuplicateReaders(t *testing.T) {
	read := func(interface{}, io.Reader, *Request) (interface{}, error) { return nil, nil }
	name := xml.Name{Space: "http://www.opengis.net/wfs", Local: "GetFeature"}

	_, err := NewRegistry(Extensions{XmlReaders: []XmlRequestReader{
		&XmlReaderFunc{Name: name, Ver: "1.1.0", Service: "wfs", Func: read},
		&XmlReaderFunc{Name: name, Ver: "1.1", Service: "WFS", Func: read},
	}})
	require.Error(t, err)
	assert.Equal(t, ErrDuplicateRegistration, errors.Cause(err))

	kind := NewKind("GetFeature", nil)
	_, err = NewRegistry(Extensions{KvpReaders: []KvpRequestReader{
		&BindingReader{Kind: kind},
		&BindingReader{Kind: kind},
	}})
	require.Error(t, err)
	assert.Equal(t, ErrDuplicateRegistration, errors.Cause(err))
}

func TestExceptionHandlerLookup(t *testing.T) {
	wfs := &Service{ID: "wfs", Version: "1.0.0"}
	h := NewOWS10ExceptionHandler("WFS")
	r := testRegistry(t, Extensions{Services: []*Service{wfs}, ExceptionHandlers: []ServiceExceptionHandler{h}})

	assert.Equal(t, h, r.exceptionHandler(wfs))
	assert.Nil(t, r.exceptionHandler(&Service{ID: "wms"}))
	assert.Nil(t, r.exceptionHandler(nil))
}
