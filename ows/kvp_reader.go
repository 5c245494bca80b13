package ows

import (
	"fmt"
	"strings"
)

// KvpRequestReader builds a request bean of one kind from the parsed
// parameters of a call.
type KvpRequestReader interface {
	// RequestBean is the kind of bean the reader produces.
	RequestBean() *Kind
	CreateRequest() (interface{}, error)
	// Read fills bean from kvp. rawKvp holds the unparsed values and is
	// used to detect repeated parameters. The returned bean replaces the
	// one passed in.
	Read(bean interface{}, kvp, rawKvp KVP) (interface{}, error)
}

// BindFunc sets one parameter on a bean.
type BindFunc func(bean interface{}, value interface{}) error

// BindingReader reads beans with an explicit binding table, one function
// per parameter name. Parameters without a binding are ignored.
type BindingReader struct {
	Kind     *Kind
	New      func() interface{}
	Bindings map[string]BindFunc
	// Filter lists parameters that are never bound.
	Filter []string
	// AllowRepeated lets a parameter carry several distinct values, each
	// value is then bound in turn.
	AllowRepeated bool
}

func (r *BindingReader) RequestBean() *Kind {
	return r.Kind
}

func (r *BindingReader) CreateRequest() (interface{}, error) {
	if r.New == nil {
		return nil, fmt.Errorf("no constructor for request bean %v", r.Kind)
	}
	return r.New(), nil
}

func (r *BindingReader) filtered(key string) bool {
	for _, f := range r.Filter {
		if strings.EqualFold(f, key) {
			return true
		}
	}
	return false
}

func (r *BindingReader) Read(bean interface{}, kvp, rawKvp KVP) (interface{}, error) {
	for key, value := range kvp {
		if r.filtered(key) {
			continue
		}
		bind, ok := r.lookup(key)
		if !ok {
			continue
		}

		if raw, isList := rawKvp.Get(key).([]string); isList && len(raw) > 1 {
			if _, err := GetSingleValue(KVP{key: raw}, key); err != nil && !r.AllowRepeated {
				return nil, err
			}
		}

		if values, isList := value.([]interface{}); isList && r.AllowRepeated {
			for _, v := range values {
				if err := bind(bean, v); err != nil {
					return nil, bindError(key, err)
				}
			}
			continue
		}
		if values, isList := value.([]string); isList && r.AllowRepeated {
			for _, v := range values {
				if err := bind(bean, v); err != nil {
					return nil, bindError(key, err)
				}
			}
			continue
		}
		if err := bind(bean, value); err != nil {
			return nil, bindError(key, err)
		}
	}
	return bean, nil
}

func (r *BindingReader) lookup(key string) (BindFunc, bool) {
	if bind, ok := r.Bindings[key]; ok {
		return bind, true
	}
	for k, bind := range r.Bindings {
		if strings.EqualFold(k, key) {
			return bind, true
		}
	}
	return nil, false
}

func bindError(key string, err error) error {
	if _, ok := err.(*ServiceException); ok {
		return err
	}
	return &ServiceException{
		Message: fmt.Sprintf("Could not bind parameter %s: %v", key, err),
		Code:    InvalidParameterValue,
		Locator: key,
		Cause:   err,
	}
}

// StringValue returns the textual form of a bound value, the first one for
// lists.
func StringValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
		return ""
	case []interface{}:
		if len(v) > 0 {
			return StringValue(v[0])
		}
		return ""
	case fmt.Stringer:
		return v.String()
	}
	return fmt.Sprint(value)
}

// KvpReaderFunc adapts a single function to a KvpRequestReader that
// creates the bean itself.
type KvpReaderFunc struct {
	Kind *Kind
	Func func(kvp, rawKvp KVP) (interface{}, error)
}

func (r *KvpReaderFunc) RequestBean() *Kind { return r.Kind }

func (r *KvpReaderFunc) CreateRequest() (interface{}, error) { return nil, nil }

func (r *KvpReaderFunc) Read(_ interface{}, kvp, rawKvp KVP) (interface{}, error) {
	return r.Func(kvp, rawKvp)
}

// PropertySource is implemented by request beans exposing their service,
// version and output format so the dispatcher can fill gaps in the
// request.
type PropertySource interface {
	Property(name string) (string, bool)
}

// BaseURLSetter is implemented by request beans embedding self
// referencing links.
type BaseURLSetter interface {
	SetBaseURL(baseURL string)
}

// FormatOptionsHolder is implemented by request beans carrying vendor
// format options. Such beans are told when the call came in over SOAP.
type FormatOptionsHolder interface {
	FormatOptions() KVP
}

// findKvpRequestReader returns the reader whose bean kind is kind or one
// of its ancestors, the most specific one winning, or nil.
func findKvpRequestReader(readers []KvpRequestReader, kind *Kind) KvpRequestReader {
	var found KvpRequestReader
	for _, r := range readers {
		bean := r.RequestBean()
		if bean == nil || !kind.AssignableTo(bean) {
			continue
		}
		if found == nil || bean.Depth() > found.RequestBean().Depth() {
			found = r
		}
	}
	return found
}
