package ows

import (
	"bufio"
	"bytes"
	"encoding/xml"
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// XmlRequestReader builds a request bean from an XML body whose root
// element is Element.
type XmlRequestReader interface {
	Element() xml.Name
	// Version and ServiceID restrict the reader, empty meaning any.
	Version() string
	ServiceID() string
	// Read parses input into a bean. bean is the result of KVP binding, or
	// nil, and may be used as a starting point.
	Read(bean interface{}, input io.Reader, req *Request) (interface{}, error)
}

// XmlReaderFunc adapts a function to an XmlRequestReader.
type XmlReaderFunc struct {
	Name    xml.Name
	Ver     string
	Service string
	Func    func(bean interface{}, input io.Reader, req *Request) (interface{}, error)
}

func (r *XmlReaderFunc) Element() xml.Name { return r.Name }
func (r *XmlReaderFunc) Version() string   { return r.Ver }
func (r *XmlReaderFunc) ServiceID() string { return r.Service }

func (r *XmlReaderFunc) Read(bean interface{}, input io.Reader, req *Request) (interface{}, error) {
	return r.Func(bean, input, req)
}

// xmlRoot holds what the root element of a body tells about the call.
type xmlRoot struct {
	Namespace    string
	Request      string
	Service      string
	Version      string
	OutputFormat string
}

// readOpPost parses the root element of in without consuming it. Only the
// first lookahead bytes are inspected.
func readOpPost(in *bufio.Reader, lookahead int, req *Request) (*xmlRoot, error) {
	buf, err := in.Peek(lookahead)
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, errors.Wrap(err, "reading request body")
	}

	dec := req.NewXMLDecoder(bytes.NewReader(buf))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "Could not parse the root element of the request body")
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		root := &xmlRoot{Namespace: start.Name.Space, Request: start.Name.Local}
		for _, attr := range start.Attr {
			switch strings.ToLower(attr.Name.Local) {
			case "service":
				root.Service = Normalize(attr.Value)
			case "version":
				root.Version = Normalize(attr.Value)
			case "outputformat":
				root.OutputFormat = Normalize(attr.Value)
			}
		}
		return root, nil
	}
}

// logPostPrefix logs the start of an XML body at debug level.
func logPostPrefix(in *bufio.Reader, size int) {
	if size <= 0 || !xmlLog.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	if size > in.Size() {
		size = in.Size()
	}
	buf, _ := in.Peek(size)
	xmlLog.Debugf("Raw XML request starts with: %s", buf)
}

// findXmlReader selects the reader for a root element. Readers are
// matched on namespace and element name. Several matches are narrowed down
// by service id and version, readers without a version always staying in,
// and the highest version of the remaining readers wins.
func findXmlReader(readers []XmlRequestReader, namespace, element, serviceID, version string) XmlRequestReader {
	var matches []XmlRequestReader
	for _, r := range readers {
		name := r.Element()
		if strings.EqualFold(name.Space, namespace) && strings.EqualFold(name.Local, element) {
			matches = append(matches, r)
		}
	}

	if len(matches) == 0 && namespace == "" {
		var owner string
		for _, r := range readers {
			if !strings.EqualFold(r.Element().Local, element) {
				continue
			}
			if len(matches) > 0 && !strings.EqualFold(owner, r.ServiceID()) {
				xmlLog.Debugf("Element %s is claimed by several services, ignoring it", element)
				matches = nil
				break
			}
			owner = r.ServiceID()
			matches = append(matches, r)
		}
	}

	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	}

	candidates := matches
	if serviceID != "" {
		var kept []XmlRequestReader
		for _, r := range candidates {
			if r.ServiceID() == "" || strings.EqualFold(r.ServiceID(), serviceID) {
				kept = append(kept, r)
			}
		}
		candidates = kept
	}

	if version != "" {
		var kept []XmlRequestReader
		for _, r := range candidates {
			if r.Version() == "" || VersionsEqual(r.Version(), version) {
				kept = append(kept, r)
			}
		}
		candidates = kept
		// no version matched, the highest of all matches is used
		if len(candidates) == 0 {
			candidates = append([]XmlRequestReader(nil), matches...)
		}
	}

	if len(candidates) == 0 {
		return nil
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return compareXmlReaders(candidates[i], candidates[j]) < 0
	})
	return candidates[len(candidates)-1]
}

func compareXmlReaders(a, b XmlRequestReader) int {
	if c := compareNullsFirst(a.Version(), b.Version(), CompareVersions); c != 0 {
		return c
	}
	return compareNullsFirst(strings.ToLower(a.ServiceID()), strings.ToLower(b.ServiceID()), strings.Compare)
}

func compareNullsFirst(a, b string, cmp func(a, b string) int) int {
	switch {
	case a == "" && b == "":
		return 0
	case a == "":
		return -1
	case b == "":
		return 1
	}
	return cmp(a, b)
}
