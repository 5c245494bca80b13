// Package capabilities publishes a GetCapabilities operation for every
// service version listed in the configuration.
package capabilities

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
)

// OWSNamespace is the namespace of GetCapabilities bodies of services
// without a namespace of their own.
const OWSNamespace = "http://www.opengis.net/ows/1.1"

var (
	RequestKind  = ows.NewKind("capabilities.request", ows.AnyKind)
	DocumentKind = ows.NewKind("capabilities.document", ows.DocumentKind)
)

// Section names of a capabilities document.
const (
	ServiceIdentification = "ServiceIdentification"
	ServiceProvider       = "ServiceProvider"
	OperationsMetadata    = "OperationsMetadata"
	Contents              = "Contents"
	All                   = "All"
)

var sectionNames = []string{ServiceIdentification, ServiceProvider, OperationsMetadata, Contents}

// Request is a GetCapabilities call.
type Request struct {
	Service        string
	Version        string
	AcceptVersions []string
	Sections       []string
	AcceptFormats  []string
	BaseURL        string
}

func (r *Request) Kind() *ows.Kind {
	return RequestKind
}

func (r *Request) SetBaseURL(baseURL string) {
	r.BaseURL = baseURL
}

func (r *Request) Property(name string) (string, bool) {
	switch name {
	case "service":
		return r.Service, r.Service != ""
	case "version":
		return r.Version, r.Version != ""
	}
	return "", false
}

type Operation struct {
	Name string
	Href string
}

// Document is the capabilities of one service version.
type Document struct {
	Service        string
	Version        string
	Namespace      string
	Title          string
	Abstract       string
	Keywords       []string
	Versions       []string
	OnlineResource string
	Operations     []Operation
	Format         string

	ShowIdentification bool
	ShowProvider       bool
	ShowOperations     bool
	ShowContents       bool
}

func (d *Document) Kind() *ows.Kind {
	return DocumentKind
}

// Catalog holds the configured services.
type Catalog struct {
	configs []utils.ServiceConfig
}

func NewCatalog(configs []utils.ServiceConfig) *Catalog {
	return &Catalog{configs: configs}
}

// Services are the service descriptors of the catalog, each answering
// GetCapabilities.
func (c *Catalog) Services() []*ows.Service {
	services := make([]*ows.Service, 0, len(c.configs))
	for i := range c.configs {
		config := c.configs[i]
		operations := config.Operations
		if len(operations) == 0 {
			operations = []string{"GetCapabilities"}
		}
		services = append(services, &ows.Service{
			ID:         strings.ToLower(config.ID),
			Namespace:  config.Namespace,
			Version:    config.Version,
			Operations: operations,
			Handler: ows.Methods{{
				Name:   "GetCapabilities",
				Params: []*ows.Kind{RequestKind},
				Invoke: func(_ context.Context, params []interface{}) (interface{}, error) {
					r, _ := params[0].(*Request)
					if r == nil {
						r = &Request{}
					}
					return c.Document(config, r)
				},
			}},
		})
	}
	return services
}

// Extensions registers the catalog services with their readers and
// response.
func (c *Catalog) Extensions() ows.Extensions {
	ext := ows.Extensions{
		Services:   c.Services(),
		KvpParsers: Parsers(),
		KvpReaders: []ows.KvpRequestReader{NewKvpReader()},
		Responses:  []ows.Response{NewResponse()},
	}

	seen := make(map[string]bool)
	for _, config := range c.configs {
		namespace := config.Namespace
		if namespace == "" {
			namespace = OWSNamespace
		}
		key := namespace + "|" + strings.ToLower(config.ID)
		if seen[key] {
			continue
		}
		seen[key] = true
		ext.XmlReaders = append(ext.XmlReaders, NewXmlReader(namespace, strings.ToLower(config.ID)))
	}
	return ext
}

// published lists the versions of a service id, highest first.
func (c *Catalog) published(id string) []utils.ServiceConfig {
	var out []utils.ServiceConfig
	for _, config := range c.configs {
		if strings.EqualFold(config.ID, id) {
			out = append(out, config)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return ows.CompareVersions(ows.NormalizeVersion(out[i].Version), ows.NormalizeVersion(out[j].Version)) > 0
	})
	return out
}

// negotiate picks the version to answer with. The first accepted version
// that is published wins. Without AcceptVersions the requested version is
// used when published and the highest version otherwise.
func (c *Catalog) negotiate(current utils.ServiceConfig, r *Request) (utils.ServiceConfig, error) {
	published := c.published(current.ID)

	if len(r.AcceptVersions) > 0 {
		for _, accepted := range r.AcceptVersions {
			for _, config := range published {
				if ows.VersionsEqual(ows.NormalizeVersion(accepted), ows.NormalizeVersion(config.Version)) {
					return config, nil
				}
			}
		}
		return current, ows.NewServiceException(
			fmt.Sprintf("None of the accepted versions %v is supported", r.AcceptVersions),
			ows.VersionNegotiationFailed, "AcceptVersions")
	}

	if r.Version != "" {
		for _, config := range published {
			if ows.VersionsEqual(ows.NormalizeVersion(r.Version), ows.NormalizeVersion(config.Version)) {
				return config, nil
			}
		}
	}
	if len(published) > 0 {
		return published[0], nil
	}
	return current, nil
}

// Document builds the capabilities answering r.
func (c *Catalog) Document(current utils.ServiceConfig, r *Request) (*Document, error) {
	config, err := c.negotiate(current, r)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Service:        strings.ToUpper(config.ID),
		Version:        config.Version,
		Namespace:      config.Namespace,
		Title:          config.Title,
		Abstract:       config.Abstract,
		Keywords:       config.Keywords,
		OnlineResource: config.OnlineResource,
		Format:         "text/xml",
	}
	if doc.Namespace == "" {
		doc.Namespace = OWSNamespace
	}
	if doc.OnlineResource == "" {
		doc.OnlineResource = r.BaseURL + strings.ToLower(config.ID)
	}
	for _, published := range c.published(config.ID) {
		doc.Versions = append(doc.Versions, published.Version)
	}

	operations := config.Operations
	if len(operations) == 0 {
		operations = []string{"GetCapabilities"}
	}
	for _, name := range operations {
		doc.Operations = append(doc.Operations, Operation{Name: name, Href: doc.OnlineResource})
	}

	if err := doc.selectSections(r.Sections); err != nil {
		return nil, err
	}
	doc.selectFormat(r.AcceptFormats)
	return doc, nil
}

func (d *Document) selectSections(sections []string) error {
	if len(sections) == 0 {
		sections = []string{All}
	}
	for _, s := range sections {
		switch {
		case strings.EqualFold(s, All):
			d.ShowIdentification, d.ShowProvider, d.ShowOperations, d.ShowContents = true, true, true, true
		case strings.EqualFold(s, ServiceIdentification):
			d.ShowIdentification = true
		case strings.EqualFold(s, ServiceProvider):
			d.ShowProvider = true
		case strings.EqualFold(s, OperationsMetadata):
			d.ShowOperations = true
		case strings.EqualFold(s, Contents):
			d.ShowContents = true
		default:
			return ows.NewServiceException(
				fmt.Sprintf("Unknown section %s, expected one of %v or %s", s, sectionNames, All),
				ows.InvalidParameterValue, "Sections")
		}
	}
	return nil
}

// selectFormat keeps text/xml unless application/xml is the first
// accepted format we produce.
func (d *Document) selectFormat(formats []string) {
	for _, f := range formats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "text/xml":
			d.Format = "text/xml"
			return
		case "application/xml":
			d.Format = "application/xml"
			return
		}
	}
}
