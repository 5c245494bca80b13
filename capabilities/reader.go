package capabilities

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
)

var paramRegexps = utils.CompileRegexpMap(utils.CapabilitiesRegexpMap)

// Parsers split the list valued parameters of GetCapabilities.
func Parsers() []ows.KvpParser {
	var parsers []ows.KvpParser
	for _, key := range []string{"acceptversions", "sections", "acceptformats"} {
		p := ows.NewFlatKvpParser(key, nil)
		p.ParamRequest = "GetCapabilities"
		parsers = append(parsers, p)
	}
	return parsers
}

// KvpReader reads GetCapabilities calls from their parameters, checking
// their syntax first.
type KvpReader struct{}

func NewKvpReader() *KvpReader {
	return &KvpReader{}
}

func (r *KvpReader) RequestBean() *ows.Kind {
	return RequestKind
}

func (r *KvpReader) CreateRequest() (interface{}, error) {
	return &Request{}, nil
}

func (r *KvpReader) Read(bean interface{}, kvp, rawKvp ows.KVP) (interface{}, error) {
	req, ok := bean.(*Request)
	if !ok || req == nil {
		req = &Request{}
	}

	params := make(map[string]string, len(rawKvp))
	for key := range utils.CapabilitiesRegexpMap {
		if rawKvp.Has(key) {
			params[key] = ows.FirstValue(rawKvp, key)
		}
	}
	if err := utils.CheckParams(params, paramRegexps); err != nil {
		if pe, ok := err.(*utils.ParamError); ok {
			return nil, ows.NewServiceException(pe.Error(), ows.InvalidParameterValue, pe.Key)
		}
		return nil, err
	}

	var err error
	if req.Service, err = ows.GetSingleValue(rawKvp, "service"); err != nil {
		return nil, err
	}
	if req.Version, err = ows.GetSingleValue(rawKvp, "version"); err != nil {
		return nil, err
	}
	req.AcceptVersions = stringList(kvp.Get("acceptversions"))
	req.Sections = stringList(kvp.Get("sections"))
	req.AcceptFormats = stringList(kvp.Get("acceptformats"))
	return req, nil
}

func stringList(value interface{}) []string {
	var out []string
	switch v := value.(type) {
	case nil:
	case []interface{}:
		for _, item := range v {
			out = append(out, ows.StringValue(item))
		}
	case []string:
		for _, item := range v {
			out = append(out, ows.ReadFlat(item)...)
		}
	default:
		out = ows.ReadFlat(ows.StringValue(v))
	}
	return trimAll(out)
}

func trimAll(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// getCapabilities is the XML form of a GetCapabilities call, in any
// namespace.
type getCapabilities struct {
	Service        string   `xml:"service,attr"`
	Version        string   `xml:"version,attr"`
	AcceptVersions []string `xml:"AcceptVersions>Version"`
	Sections       []string `xml:"Sections>Section"`
	AcceptFormats  []string `xml:"AcceptFormats>OutputFormat"`
}

// NewXmlReader reads GetCapabilities bodies in namespace for service.
func NewXmlReader(namespace, service string) *ows.XmlReaderFunc {
	return &ows.XmlReaderFunc{
		Name:    xml.Name{Space: namespace, Local: "GetCapabilities"},
		Service: service,
		Func:    readXML,
	}
}

func readXML(bean interface{}, input io.Reader, req *ows.Request) (interface{}, error) {
	r, ok := bean.(*Request)
	if !ok || r == nil {
		r = &Request{}
	}

	var doc getCapabilities
	if err := req.NewXMLDecoder(input).Decode(&doc); err != nil {
		return nil, ows.NewServiceException(fmt.Sprintf("Could not parse GetCapabilities: %v", err), ows.InvalidParameterValue, "")
	}
	if doc.Service != "" {
		r.Service = strings.TrimSpace(doc.Service)
	}
	if doc.Version != "" {
		r.Version = strings.TrimSpace(doc.Version)
	}
	if versions := trimAll(doc.AcceptVersions); len(versions) > 0 {
		r.AcceptVersions = versions
	}
	if sections := trimAll(doc.Sections); len(sections) > 0 {
		r.Sections = sections
	}
	if formats := trimAll(doc.AcceptFormats); len(formats) > 0 {
		r.AcceptFormats = formats
	}
	return r, nil
}
