package ows

import (
	"fmt"
	"regexp"
	"strings"
)

// KVP holds the key value pairs of a request. Keys are stored lower case
// and looked up case insensitively. A value is either a string, a []string
// for repeated parameters, or whatever a KvpParser produced for the key.
type KVP map[string]interface{}

func (k KVP) Get(key string) interface{} {
	if k == nil {
		return nil
	}
	return k[strings.ToLower(key)]
}

func (k KVP) Set(key string, value interface{}) {
	k[strings.ToLower(key)] = value
}

func (k KVP) Has(key string) bool {
	if k == nil {
		return false
	}
	_, ok := k[strings.ToLower(key)]
	return ok
}

func (k KVP) Delete(key string) {
	delete(k, strings.ToLower(key))
}

func (k KVP) Copy() KVP {
	if k == nil {
		return nil
	}
	c := make(KVP, len(k))
	for key, val := range k {
		c[key] = val
	}
	return c
}

// Normalize trims a parameter value. Blank values normalise to the empty
// string, which stands for an absent value.
func Normalize(value string) string {
	return strings.TrimSpace(value)
}

// NormalizeKvp lower cases keys and trims values of a raw parameter map.
// Repeated identical values collapse into a single string; distinct ones
// are kept, in order, as a []string.
func NormalizeKvp(raw map[string][]string) KVP {
	if raw == nil {
		return nil
	}
	kvp := make(KVP, len(raw))
	for key, values := range raw {
		var normalized []string
		seen := make(map[string]bool, len(values))
		for _, v := range values {
			v = strings.TrimSpace(v)
			if seen[v] {
				continue
			}
			seen[v] = true
			normalized = append(normalized, v)
		}

		lkey := strings.ToLower(key)
		if prev, ok := kvp[lkey]; ok {
			// keys only differing by case end up merged
			normalized = mergeValues(prev, normalized)
		}

		switch len(normalized) {
		case 0:
			kvp[lkey] = nil
		case 1:
			kvp[lkey] = normalized[0]
		default:
			kvp[lkey] = normalized
		}
	}
	return kvp
}

func mergeValues(prev interface{}, values []string) []string {
	var out []string
	switch p := prev.(type) {
	case string:
		out = append(out, p)
	case []string:
		out = append(out, p...)
	}
	for _, v := range values {
		dup := false
		for _, o := range out {
			if o == v {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, v)
		}
	}
	return out
}

// GetSingleValue returns the single value of key. A repeated parameter is
// accepted only when all its values are equal.
func GetSingleValue(kvp KVP, key string) (string, error) {
	switch v := kvp.Get(key).(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	case []string:
		if len(v) == 0 {
			return "", nil
		}
		for _, s := range v[1:] {
			if s != v[0] {
				return "", NewServiceException(
					fmt.Sprintf("Single value expected for request parameter %s but instead found: %v", key, v),
					InvalidParameterValue, key)
			}
		}
		return v[0], nil
	case fmt.Stringer:
		return v.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// FirstValue returns the first value of key, or the empty string.
func FirstValue(kvp KVP, key string) string {
	switch v := kvp.Get(key).(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// CaseInsensitiveParam looks up name ignoring case in a map whose keys
// were not normalised, returning def when absent.
func CaseInsensitiveParam(params map[string][]string, name, def string) string {
	value := def
	for k, v := range params {
		if strings.EqualFold(k, name) && len(v) > 0 {
			value = v[0]
		}
	}
	return value
}

// Merge copies addition into options; nil values remove the key.
func Merge(options, addition KVP) {
	for k, v := range addition {
		if v == nil {
			delete(options, k)
		} else {
			options[k] = v
		}
	}
}

// Tokenizer splits a raw list on a regular expression.
type Tokenizer struct {
	expr  string
	re    *regexp.Regexp
	outer bool
}

func NewTokenizer(expr string) *Tokenizer {
	return &Tokenizer{expr: expr, re: regexp.MustCompile(expr)}
}

func (t *Tokenizer) String() string {
	return t.expr
}

// ReadFlat splits rawList. Blank input and "*" mean unconstrained and
// yield an empty list. Trailing empty tokens are kept.
func (t *Tokenizer) ReadFlat(rawList string) []string {
	if strings.TrimSpace(rawList) == "" || rawList == "*" {
		return []string{}
	}
	list := t.re.Split(rawList, -1)
	if t.outer && len(list) > 0 {
		list[0] = strings.TrimPrefix(list[0], "(")
		last := len(list) - 1
		list[last] = strings.TrimSuffix(list[last], ")")
	}
	return list
}

var (
	KeywordDelimiter = NewTokenizer("&")
	ValueDelimiter   = NewTokenizer("=")
	OuterDelimiter   = &Tokenizer{expr: `\)\(`, re: regexp.MustCompile(`\)\(`), outer: true}
	InnerDelimiter   = NewTokenizer(",")
	CQLDelimiter     = NewTokenizer(";")
)

var wellKnownTokenizers = []*Tokenizer{KeywordDelimiter, ValueDelimiter, OuterDelimiter, InnerDelimiter, CQLDelimiter}

// ReadFlat splits a comma separated list.
func ReadFlat(rawList string) []string {
	return InnerDelimiter.ReadFlat(rawList)
}

// ReadFlatDelimited splits rawList on delimiter, reusing the well known
// tokenizers when possible.
func ReadFlatDelimited(rawList, delimiter string) []string {
	for _, t := range wellKnownTokenizers {
		if t.expr == delimiter {
			return t.ReadFlat(rawList)
		}
	}
	kvpLog.Debugf("Using not a well known kvp tokenization delimiter: %s", delimiter)
	return NewTokenizer(delimiter).ReadFlat(rawList)
}

// ReadNested parses lists of the form "(a,b)(c,d)" into [[a b] [c d]].
// A plain list "a,b" yields a single sub list, and an absent or "*" value
// yields a single empty sub list.
func ReadNested(rawList string) [][]string {
	if rawList == "" || rawList == "*" {
		return [][]string{{}}
	}
	if strings.HasPrefix(rawList, "(") {
		var nested [][]string
		for _, outer := range OuterDelimiter.ReadFlat(rawList) {
			nested = append(nested, InnerDelimiter.ReadFlat(outer))
		}
		return nested
	}
	return [][]string{InnerDelimiter.ReadFlat(rawList)}
}

// EscapedTokens splits s on separator honouring backslash escapes. The
// escapes are kept in the tokens, use Unescape to remove them. A
// maxTokens <= 0 means no limit.
func EscapedTokens(s string, separator rune, maxTokens int) ([]string, error) {
	if separator == '\\' {
		return nil, fmt.Errorf("the separator may not be a backslash")
	}
	var ret []string
	var sb strings.Builder
	escaped := false
	tokens := 1
	for _, c := range s {
		switch {
		case c == separator && !escaped && (maxTokens <= 0 || tokens < maxTokens):
			ret = append(ret, sb.String())
			sb.Reset()
			tokens++
		case escaped:
			escaped = false
			sb.WriteRune('\\')
			sb.WriteRune(c)
		case c == '\\':
			escaped = true
		default:
			sb.WriteRune(c)
		}
	}
	if escaped {
		return nil, fmt.Errorf("the string ends with an incomplete escape sequence")
	}
	return append(ret, sb.String()), nil
}

// Unescape removes backslash escapes from s.
func Unescape(s string) (string, error) {
	var sb strings.Builder
	escaped := false
	for _, c := range s {
		switch {
		case escaped:
			escaped = false
			sb.WriteRune(c)
		case c == '\\':
			escaped = true
		default:
			sb.WriteRune(c)
		}
	}
	if escaped {
		return "", fmt.Errorf("the string ends with an incomplete escape sequence")
	}
	return sb.String(), nil
}
