package ows

import (
	"context"
	"fmt"
	"strings"
)

// Service describes one version of one OWS service. Descriptors are
// registered at start up and are read only afterwards.
type Service struct {
	ID         string
	Namespace  string
	Version    string
	Operations []string
	Handler    ServiceHandler
}

func (s *Service) String() string {
	return fmt.Sprintf("Service(%s, %s)", s.ID, s.Version)
}

// HasOperation reports whether the descriptor declares op, ignoring case.
func (s *Service) HasOperation(op string) bool {
	for _, o := range s.Operations {
		if strings.EqualFold(o, op) {
			return true
		}
	}
	return false
}

// MethodFunc executes an operation with its bound parameters.
type MethodFunc func(ctx context.Context, params []interface{}) (interface{}, error)

// Method is a callable operation of a service object. Params lists the
// kind of each parameter in declared order.
type Method struct {
	Name   string
	Params []*Kind
	Invoke MethodFunc
}

// ServiceHandler is the object implementing a service.
type ServiceHandler interface {
	// Method looks up the operation name case insensitively, returning
	// nil when the service does not implement it.
	Method(name string) *Method
}

// DirectInvoker services are invoked by declared operation name instead
// of through their methods.
type DirectInvoker interface {
	InvokeDirect(ctx context.Context, operation string, params []interface{}) (interface{}, error)
}

// Methods is a ServiceHandler backed by a method list.
type Methods []*Method

func (m Methods) Method(name string) *Method {
	for _, method := range m {
		if strings.EqualFold(method.Name, name) {
			return method
		}
	}
	return nil
}

// Operation is a resolved call: service, operation name, method and bound
// parameters. It is not modified after construction.
type Operation struct {
	ID         string
	Service    *Service
	Method     *Method
	Parameters []interface{}
}

func (o *Operation) String() string {
	return fmt.Sprintf("Operation(%s, %v)", o.ID, o.Service)
}

// Parameter returns the first parameter assignable to kind, or nil.
func (o *Operation) Parameter(kind *Kind) interface{} {
	for _, p := range o.Parameters {
		if p != nil && KindOf(p).AssignableTo(kind) {
			return p
		}
	}
	return nil
}
