package ows

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Extensions lists everything plugged into a dispatcher.
type Extensions struct {
	Services          []*Service
	KvpParsers        []KvpParser
	KvpReaders        []KvpRequestReader
	XmlReaders        []XmlRequestReader
	Responses         []Response
	Callbacks         []DispatcherCallback
	ExceptionHandlers []ServiceExceptionHandler
}

// Registry is the validated, read only view of the extensions. It is
// shared by all concurrent calls of a dispatcher and is never modified
// once built; reloading configuration builds a new one.
type Registry struct {
	services          []*Service
	kvpParsers        []KvpParser
	kvpReaders        []KvpRequestReader
	xmlReaders        []XmlRequestReader
	responses         []Response
	callbacks         []DispatcherCallback
	exceptionHandlers []ServiceExceptionHandler
}

// NewRegistry validates ext and freezes it into a Registry. Two services
// with the same id and version, two XML readers bound to the same element,
// version and service, or two KVP readers producing the same bean kind are
// configuration errors.
func NewRegistry(ext Extensions) (*Registry, error) {
	seen := make(map[string]*Service)
	for _, s := range ext.Services {
		if s == nil || s.ID == "" {
			return nil, errors.New("service descriptor without id")
		}
		key := strings.ToLower(s.ID) + "|" + NormalizeVersion(s.Version)
		if prev, ok := seen[key]; ok {
			return nil, errors.Wrapf(ErrDuplicateRegistration, "Two identical service descriptors found: %v and %v", prev, s)
		}
		seen[key] = s
	}

	readers := make(map[string]bool)
	for _, r := range ext.XmlReaders {
		name := r.Element()
		key := strings.Join([]string{
			strings.ToLower(name.Space),
			strings.ToLower(name.Local),
			NormalizeVersion(r.Version()),
			strings.ToLower(r.ServiceID()),
		}, "|")
		if readers[key] {
			return nil, errors.Wrapf(ErrDuplicateRegistration, "More than one xml reader for qualified name %s:%s, version %s and service %s",
				name.Space, name.Local, r.Version(), r.ServiceID())
		}
		readers[key] = true
	}

	beans := make(map[*Kind]bool)
	for _, r := range ext.KvpReaders {
		kind := r.RequestBean()
		if kind == nil {
			return nil, errors.New("kvp reader without request bean kind")
		}
		if beans[kind] {
			return nil, errors.Wrapf(ErrDuplicateRegistration, "Two kvp readers found for %v", kind)
		}
		beans[kind] = true
	}

	for _, r := range ext.Responses {
		if r.Binding() == nil {
			return nil, errors.Errorf("response %T has no binding", r)
		}
	}

	return &Registry{
		services:          append([]*Service(nil), ext.Services...),
		kvpParsers:        append([]KvpParser(nil), ext.KvpParsers...),
		kvpReaders:        append([]KvpRequestReader(nil), ext.KvpReaders...),
		xmlReaders:        append([]XmlRequestReader(nil), ext.XmlReaders...),
		responses:         append([]Response(nil), ext.Responses...),
		callbacks:         append([]DispatcherCallback(nil), ext.Callbacks...),
		exceptionHandlers: append([]ServiceExceptionHandler(nil), ext.ExceptionHandlers...),
	}, nil
}

// Services returns the registered service descriptors.
func (r *Registry) Services() []*Service {
	return r.services
}

// findService resolves a service descriptor by id, version and namespace.
// A workspace prefix in id is ignored. Among several descriptors of the
// same id the version and namespace narrow the choice, the highest
// version wins the rest. Nil is returned when nothing matches.
func (r *Registry) findService(id, version, namespace string) *Service {
	if i := strings.Index(id, "/"); i >= 0 {
		id = id[i+1:]
	}

	var matches []*Service
	for _, s := range r.services {
		if strings.EqualFold(s.ID, id) {
			matches = append(matches, s)
		}
	}
	switch len(matches) {
	case 0:
		return nil
	case 1:
		return matches[0]
	}

	vmatches := matches
	if version != "" {
		var kept []*Service
		for _, s := range matches {
			if VersionsEqual(NormalizeVersion(s.Version), NormalizeVersion(version)) {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			vmatches = kept
		}
	}

	if namespace != "" && len(vmatches) > 1 {
		var kept []*Service
		for _, s := range vmatches {
			if s.Namespace == "" || s.Namespace == namespace {
				kept = append(kept, s)
			}
		}
		if len(kept) > 0 {
			vmatches = kept
		}
	}

	sorted := append([]*Service(nil), vmatches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return CompareVersions(sorted[i].Version, sorted[j].Version) < 0
	})
	return sorted[len(sorted)-1]
}

// hasServiceVersion reports whether any descriptor declares version.
func (r *Registry) hasServiceVersion(version string) bool {
	for _, s := range r.services {
		if s.Version == version {
			return true
		}
	}
	return false
}

// exceptionHandler returns the handler registered for service, or nil.
func (r *Registry) exceptionHandler(service *Service) ServiceExceptionHandler {
	if service == nil {
		return nil
	}
	for _, h := range r.exceptionHandlers {
		for _, id := range h.Services() {
			if strings.EqualFold(id, service.ID) {
				return h
			}
		}
	}
	return nil
}
