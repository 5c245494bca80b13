package capabilities

import (
	"io"

	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
	"github.com/pkg/errors"
)

const capabilitiesTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<Capabilities service="{{ .Service }}" version="{{ .Version }}" xmlns="{{ .Namespace }}" xmlns:ows="http://www.opengis.net/ows/1.1" xmlns:xlink="http://www.w3.org/1999/xlink">
{{- if .ShowIdentification }}
  <ows:ServiceIdentification>
    <ows:Title>{{ .Title }}</ows:Title>
    {{- if .Abstract }}
    <ows:Abstract>{{ .Abstract }}</ows:Abstract>
    {{- end }}
    {{- if .Keywords }}
    <ows:Keywords>{{ range .Keywords }}<ows:Keyword>{{ . }}</ows:Keyword>{{ end }}</ows:Keywords>
    {{- end }}
    <ows:ServiceType>{{ .Service }}</ows:ServiceType>
    {{- range .Versions }}
    <ows:ServiceTypeVersion>{{ . }}</ows:ServiceTypeVersion>
    {{- end }}
  </ows:ServiceIdentification>
{{- end }}
{{- if .ShowProvider }}
  <ows:ServiceProvider>
    <ows:ProviderSite xlink:href="{{ .OnlineResource }}"/>
  </ows:ServiceProvider>
{{- end }}
{{- if .ShowOperations }}
  <ows:OperationsMetadata>
    {{- range .Operations }}
    <ows:Operation name="{{ .Name }}">
      <ows:DCP><ows:HTTP><ows:Get xlink:href="{{ .Href }}?"/><ows:Post xlink:href="{{ .Href }}"/></ows:HTTP></ows:DCP>
    </ows:Operation>
    {{- end }}
  </ows:OperationsMetadata>
{{- end }}
{{- if .ShowContents }}
  <Contents/>
{{- end }}
</Capabilities>
`

var templates = utils.NewTemplateSet(map[string]string{
	"capabilities": capabilitiesTemplate,
})

// Response writes capabilities documents as XML.
type Response struct {
	ows.BaseResponse
}

func NewResponse() *Response {
	return &Response{ows.BaseResponse{Kind: DocumentKind, Formats: []string{"text/xml", "application/xml"}}}
}

func (r *Response) MimeType(value interface{}, _ *ows.Operation) (string, error) {
	if doc, ok := value.(*Document); ok && doc.Format != "" {
		return doc.Format, nil
	}
	return "text/xml", nil
}

func (r *Response) Charset(*ows.Operation) string {
	return "UTF-8"
}

// PreferredDisposition is inline, capabilities are meant to be read in
// place.
func (r *Response) PreferredDisposition(interface{}, *ows.Operation) string {
	return ows.DispositionInline
}

func (r *Response) Write(value interface{}, w io.Writer, _ *ows.Operation) error {
	doc, ok := value.(*Document)
	if !ok {
		return errors.Errorf("unexpected result %T", value)
	}
	return utils.ExecuteTemplate(templates, "capabilities", w, doc)
}
