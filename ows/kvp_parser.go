package ows

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	geo "github.com/nci/geometry"
	"github.com/pkg/errors"
)

// KvpParser turns the raw string value of one key into a typed value.
// Service, Version and Request optionally restrict the parser to calls of
// a given service, version and request; empty means any.
type KvpParser interface {
	Key() string
	Service() string
	Version() string
	Request() string
	Parse(value string) (interface{}, error)
}

// KvpParserBase carries the binding of a parser, embed it and implement
// Parse.
type KvpParserBase struct {
	ParamKey     string
	ParamService string
	ParamVersion string
	ParamRequest string
}

func (p *KvpParserBase) Key() string     { return p.ParamKey }
func (p *KvpParserBase) Service() string { return p.ParamService }
func (p *KvpParserBase) Version() string { return p.ParamVersion }
func (p *KvpParserBase) Request() string { return p.ParamRequest }

func (p *KvpParserBase) String() string {
	return fmt.Sprintf("KvpParser(%s, service=%s, version=%s, request=%s)", p.ParamKey, p.ParamService, p.ParamVersion, p.ParamRequest)
}

// TokenFunc parses a single token of a list valued parameter.
type TokenFunc func(token string) (interface{}, error)

// FuncKvpParser parses a whole value with a function.
type FuncKvpParser struct {
	KvpParserBase
	Func TokenFunc
}

func NewFuncKvpParser(key string, fn TokenFunc) *FuncKvpParser {
	return &FuncKvpParser{KvpParserBase: KvpParserBase{ParamKey: key}, Func: fn}
}

func (p *FuncKvpParser) Parse(value string) (interface{}, error) {
	return p.Func(value)
}

// FlatKvpParser parses a delimited list, each token with Token. A nil
// Token keeps the tokens as strings.
type FlatKvpParser struct {
	KvpParserBase
	Delimiter string
	Token     TokenFunc
}

func NewFlatKvpParser(key string, token TokenFunc) *FlatKvpParser {
	return &FlatKvpParser{KvpParserBase: KvpParserBase{ParamKey: key}, Delimiter: ",", Token: token}
}

func (p *FlatKvpParser) Parse(value string) (interface{}, error) {
	delimiter := p.Delimiter
	if delimiter == "" {
		delimiter = ","
	}
	return parseTokens(ReadFlatDelimited(value, delimiter), p.Token)
}

// NestedKvpParser parses parenthesised groups of lists such as
// "(a,b)(c)", yielding one list per group.
type NestedKvpParser struct {
	KvpParserBase
	Token TokenFunc
}

func NewNestedKvpParser(key string, token TokenFunc) *NestedKvpParser {
	return &NestedKvpParser{KvpParserBase: KvpParserBase{ParamKey: key}, Token: token}
}

func (p *NestedKvpParser) Parse(value string) (interface{}, error) {
	var result [][]interface{}
	for _, group := range ReadNested(value) {
		parsed, err := parseTokens(group, p.Token)
		if err != nil {
			return nil, err
		}
		result = append(result, parsed)
	}
	return result, nil
}

func parseTokens(tokens []string, fn TokenFunc) ([]interface{}, error) {
	parsed := make([]interface{}, 0, len(tokens))
	for _, t := range tokens {
		if fn == nil {
			parsed = append(parsed, t)
			continue
		}
		v, err := fn(t)
		if err != nil {
			return nil, err
		}
		parsed = append(parsed, v)
	}
	return parsed, nil
}

// IntKvpParser parses integer parameters such as width or height.
func IntKvpParser(key string) *FuncKvpParser {
	return NewFuncKvpParser(key, func(v string) (interface{}, error) {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, NewServiceException(fmt.Sprintf("Could not parse %s value %q as an integer", key, v), InvalidParameterValue, key)
		}
		return i, nil
	})
}

// FloatKvpParser parses floating point parameters.
func FloatKvpParser(key string) *FuncKvpParser {
	return NewFuncKvpParser(key, func(v string) (interface{}, error) {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, NewServiceException(fmt.Sprintf("Could not parse %s value %q as a number", key, v), InvalidParameterValue, key)
		}
		return f, nil
	})
}

// BooleanKvpParser accepts true/false, yes/no, 1/0 and on/off.
func BooleanKvpParser(key string) *FuncKvpParser {
	return NewFuncKvpParser(key, func(v string) (interface{}, error) {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "1", "on":
			return true, nil
		case "false", "no", "0", "off":
			return false, nil
		}
		return nil, NewServiceException(fmt.Sprintf("Could not parse %s value %q as a boolean", key, v), InvalidParameterValue, key)
	})
}

// BBox is a parsed bbox parameter.
type BBox struct {
	MinX, MinY, MaxX, MaxY float64
	CRS                    string
}

// BBoxKvpParser parses "minx,miny,maxx,maxy[,crs]".
func BBoxKvpParser() *FuncKvpParser {
	return NewFuncKvpParser("bbox", func(v string) (interface{}, error) {
		parts := ReadFlat(v)
		if len(parts) != 4 && len(parts) != 5 {
			return nil, NewServiceException(fmt.Sprintf("bbox must be minx,miny,maxx,maxy[,crs]: %s", v), InvalidParameterValue, "bbox")
		}
		var coords [4]float64
		for i := 0; i < 4; i++ {
			f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
			if err != nil {
				return nil, NewServiceException(fmt.Sprintf("Could not parse bbox coordinate %q", parts[i]), InvalidParameterValue, "bbox")
			}
			coords[i] = f
		}
		bbox := &BBox{MinX: coords[0], MinY: coords[1], MaxX: coords[2], MaxY: coords[3]}
		if len(parts) == 5 {
			bbox.CRS = strings.TrimSpace(parts[4])
		}
		if bbox.MinX > bbox.MaxX {
			return nil, NewServiceException(fmt.Sprintf("illegal bbox, minX: %v is greater than maxX: %v", bbox.MinX, bbox.MaxX), InvalidParameterValue, "bbox")
		}
		if bbox.MinY > bbox.MaxY {
			return nil, NewServiceException(fmt.Sprintf("illegal bbox, minY: %v is greater than maxY: %v", bbox.MinY, bbox.MaxY), InvalidParameterValue, "bbox")
		}
		return bbox, nil
	})
}

// GeometryKvpParser parses a GeoJSON feature such as the geometry input
// of a WPS call.
func GeometryKvpParser(key string) *FuncKvpParser {
	return NewFuncKvpParser(key, func(v string) (interface{}, error) {
		var feat geo.Feature
		if err := json.Unmarshal([]byte(v), &feat); err != nil {
			return nil, NewServiceException(fmt.Sprintf("Problem unmarshalling geometry: %v", err), InvalidParameterValue, key)
		}
		if feat.Geometry == nil {
			return nil, NewServiceException("The geometry does not contain a 'geometry' property", InvalidParameterValue, key)
		}
		return &feat, nil
	})
}

// PurgeParsers drops the parsers bound to another service, version or
// request than the current call.
func PurgeParsers(parsers []KvpParser, service, version, request string) []KvpParser {
	kept := make([]KvpParser, 0, len(parsers))
	for _, p := range parsers {
		if p.Service() != "" && !strings.EqualFold(p.Service(), service) {
			continue
		}
		if p.Version() != "" && !VersionsEqual(p.Version(), version) {
			continue
		}
		if p.Request() != "" && !strings.EqualFold(p.Request(), request) {
			continue
		}
		kept = append(kept, p)
	}
	return kept
}

// FindParser picks the parser for key. A parser bound to the current
// service beats a generic one, and among those a parser bound to the
// current version beats a version-less one.
func FindParser(key, service, request, version string, parsers []KvpParser) (KvpParser, error) {
	var parser KvpParser
	for _, candidate := range parsers {
		if !strings.EqualFold(key, candidate.Key()) {
			continue
		}
		if parser == nil {
			parser = candidate
			continue
		}
		if candidate.Service() == "" || !strings.EqualFold(candidate.Service(), service) {
			continue
		}
		if parser.Service() == "" {
			parser = candidate
			continue
		}
		if candidate.Version() != "" {
			if parser.Version() == "" && VersionsEqual(candidate.Version(), version) {
				parser = candidate
			}
		} else if parser.Version() == "" {
			return nil, errors.Errorf("Multiple kvp parsers: %v, %v", parser, candidate)
		}
	}
	return parser, nil
}

// ParseKvp replaces the string values of kvp with their parsed form. Values
// already parsed are left untouched so parsing twice is harmless. Failures
// are collected rather than returned early since the service, and with it
// the right exception handler, is not known yet.
func ParseKvp(kvp KVP, parsers []KvpParser) []error {
	var errs []error
	if len(kvp) == 0 {
		return errs
	}

	service, _ := GetSingleValue(kvp, "service")
	version, _ := GetSingleValue(kvp, "version")
	request, _ := GetSingleValue(kvp, "request")
	parsers = PurgeParsers(parsers, service, NormalizeVersion(version), request)

	for key, value := range kvp {
		switch value.(type) {
		case string, []string:
		default:
			continue
		}
		parser, err := FindParser(key, service, request, NormalizeVersion(version), parsers)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if parser == nil {
			continue
		}

		var parsed interface{}
		switch v := value.(type) {
		case string:
			parsed, err = parser.Parse(v)
		case []string:
			values := make([]interface{}, 0, len(v))
			for _, s := range v {
				p, e := parser.Parse(s)
				if e != nil {
					err = e
					break
				}
				values = append(values, p)
			}
			parsed = values
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if parsed != nil {
			kvp[key] = parsed
		}
	}
	return errs
}

// ParseKey parses a single value with the parser matching the call, or
// returns nil when there is none.
func ParseKey(key, value, service, request, version string, parsers []KvpParser) (interface{}, error) {
	parser, err := FindParser(key, service, request, version, parsers)
	if err != nil || parser == nil {
		return nil, err
	}
	return parser.Parse(value)
}
