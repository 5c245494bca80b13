package ows

import (
	"github.com/golang/protobuf/proto"
)

// Kind is an explicit type tag used to bind request beans to their
// readers and results to their response writers. Kinds form a tree rooted
// at AnyKind; a kind is assignable to itself and to every ancestor.
type Kind struct {
	Name   string
	Parent *Kind
}

// NewKind creates a kind extending parent. A nil parent means AnyKind.
func NewKind(name string, parent *Kind) *Kind {
	if parent == nil {
		parent = AnyKind
	}
	return &Kind{Name: name, Parent: parent}
}

// AssignableTo reports whether a value of kind k can be used where super
// is expected.
func (k *Kind) AssignableTo(super *Kind) bool {
	if super == nil {
		return false
	}
	for c := k; c != nil; c = c.Parent {
		if c == super {
			return true
		}
	}
	return false
}

// Depth is the number of ancestors of k, AnyKind having depth 0.
func (k *Kind) Depth() int {
	d := 0
	for c := k.Parent; c != nil; c = c.Parent {
		d++
	}
	return d
}

func (k *Kind) String() string {
	if k == nil {
		return "<nil>"
	}
	return k.Name
}

var (
	AnyKind      = &Kind{Name: "any"}
	BytesKind    = NewKind("bytes", AnyKind)
	StringKind   = NewKind("string", AnyKind)
	ProtoKind    = NewKind("proto", AnyKind)
	DocumentKind = NewKind("document", AnyKind)

	// transport level parameters, injected directly by the dispatcher
	HTTPRequestKind  = NewKind("http.request", AnyKind)
	HTTPResponseKind = NewKind("http.response", AnyKind)
	InputStreamKind  = NewKind("input.stream", AnyKind)
	OutputStreamKind = NewKind("output.stream", AnyKind)
)

// Kinded is implemented by request beans and operation results that carry
// their own type tag.
type Kinded interface {
	Kind() *Kind
}

// KindOf returns the type tag of v.
func KindOf(v interface{}) *Kind {
	switch t := v.(type) {
	case Kinded:
		if k := t.Kind(); k != nil {
			return k
		}
	case []byte:
		return BytesKind
	case string:
		return StringKind
	case proto.Message:
		return ProtoKind
	}
	return AnyKind
}
