package ows

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"

	"github.com/pkg/errors"
)

const (
	SOAP12Namespace = "http://www.w3.org/2003/05/soap-envelope"
	SOAP11Namespace = "http://schemas.xmlsoap.org/soap/envelope/"
	SOAPMimeType    = "application/soap+xml"
)

const xmlnsPrefix = "xmlns"

type soapBody struct {
	namespace string
	found     bool
	start     int64
	end       int64
	// declarations in scope at the payload, inherited from its ancestors
	decls map[string]string
}

// unwrapSOAP extracts the payload of a SOAP envelope, the first element
// child of its single Body. Namespace declarations the payload inherits
// from the envelope are copied onto it so it parses on its own.
func unwrapSOAP(data []byte) ([]byte, string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var (
		stack        []map[string]string
		bodies       = map[string][]*soapBody{}
		current      *soapBody
		bodyDepth    = -1
		payloadDepth = -1
	)
	for {
		offset := dec.InputOffset()
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", errors.Wrap(err, "Error parsing SOAP request")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stack = append(stack, declarations(t.Attr))
			depth := len(stack)
			if t.Name.Local == "Body" && (t.Name.Space == SOAP12Namespace || t.Name.Space == SOAP11Namespace) {
				b := &soapBody{namespace: t.Name.Space}
				bodies[t.Name.Space] = append(bodies[t.Name.Space], b)
				if current == nil {
					current, bodyDepth = b, depth
				}
			} else if current != nil && !current.found && payloadDepth < 0 && depth == bodyDepth+1 {
				current.start = offset
				current.decls = inScope(stack[:depth-1])
				payloadDepth = depth
			}
		case xml.EndElement:
			depth := len(stack)
			if depth == payloadDepth {
				current.end = dec.InputOffset()
				current.found = true
				payloadDepth = -1
			}
			if depth == bodyDepth {
				current, bodyDepth = nil, -1
			}
			stack = stack[:depth-1]
		}
	}

	list := bodies[SOAP12Namespace]
	if len(list) == 0 {
		list = bodies[SOAP11Namespace]
	}
	if len(list) != 1 {
		return nil, "", errors.New("SOAP requests should specify a single Body element")
	}
	body := list[0]
	if !body.found {
		return nil, "", errors.New("Could not find payload in SOAP request")
	}

	return injectDeclarations(data[body.start:body.end], body.decls), body.namespace, nil
}

func declarations(attrs []xml.Attr) map[string]string {
	var decls map[string]string
	for _, a := range attrs {
		prefix, ok := "", false
		switch {
		case a.Name.Space == xmlnsPrefix:
			prefix, ok = a.Name.Local, true
		case a.Name.Space == "" && a.Name.Local == xmlnsPrefix:
			ok = true
		}
		if !ok {
			continue
		}
		if decls == nil {
			decls = make(map[string]string)
		}
		decls[prefix] = a.Value
	}
	return decls
}

func inScope(stack []map[string]string) map[string]string {
	scope := make(map[string]string)
	for _, decls := range stack {
		for p, uri := range decls {
			scope[p] = uri
		}
	}
	return scope
}

// injectDeclarations adds the namespace declarations the element at the
// start of payload does not redeclare itself.
func injectDeclarations(payload []byte, inherited map[string]string) []byte {
	if len(inherited) == 0 {
		return append([]byte(nil), payload...)
	}

	dec := xml.NewDecoder(bytes.NewReader(payload))
	own := map[string]string{}
	if tok, err := dec.RawToken(); err == nil {
		if start, ok := tok.(xml.StartElement); ok {
			for _, a := range start.Attr {
				if a.Name.Space == xmlnsPrefix {
					own[a.Name.Local] = a.Value
				} else if a.Name.Space == "" && a.Name.Local == xmlnsPrefix {
					own[""] = a.Value
				}
			}
		}
	}

	prefixes := make([]string, 0, len(inherited))
	for p := range inherited {
		if _, ok := own[p]; !ok {
			prefixes = append(prefixes, p)
		}
	}
	sort.Strings(prefixes)

	var extra bytes.Buffer
	for _, p := range prefixes {
		if p == "" {
			extra.WriteString(" xmlns=\"")
		} else {
			fmt.Fprintf(&extra, " xmlns:%s=\"", p)
		}
		xml.EscapeText(&extra, []byte(inherited[p]))
		extra.WriteByte('"')
	}

	// the element name ends at the first blank, '/' or '>'
	i := 1
	for i < len(payload) {
		c := payload[i]
		if c == ' ' || c == '\t' || c == '\r' || c == '\n' || c == '/' || c == '>' {
			break
		}
		i++
	}

	out := make([]byte, 0, len(payload)+extra.Len())
	out = append(out, payload[:i]...)
	out = append(out, extra.Bytes()...)
	out = append(out, payload[i:]...)
	return out
}

// startSOAPEnvelope opens the envelope wrapping a SOAP response.
func startSOAPEnvelope(w io.Writer, namespace string, response Response) error {
	if namespace == "" {
		namespace = SOAP12Namespace
	}
	if _, err := fmt.Fprintf(w, "<soap:Envelope xmlns:soap='%s'><soap:Header/><soap:Body", namespace); err != nil {
		return err
	}
	if sa, ok := response.(SOAPAwareResponse); ok {
		if t := sa.BodyType(); t != "" {
			if _, err := fmt.Fprintf(w, " type='%s'", t); err != nil {
				return err
			}
		}
	}
	_, err := io.WriteString(w, ">")
	return err
}

func endSOAPEnvelope(w io.Writer) error {
	_, err := io.WriteString(w, "</soap:Body></soap:Envelope>")
	return err
}

// flagAsSOAP marks the format options of SOAP request beans.
func flagAsSOAP(op *Operation) {
	for _, p := range op.Parameters {
		if h, ok := p.(FormatOptionsHolder); ok {
			if opts := h.FormatOptions(); opts != nil {
				opts.Set("SOAP", true)
			}
		}
	}
}
