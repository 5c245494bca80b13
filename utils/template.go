package utils

import (
	"io"
	"strings"

	"github.com/CloudyKit/jet/v6"
)

// NewTemplateSet builds a jet set from in memory templates keyed by name.
// Output is XML escaped.
func NewTemplateSet(templates map[string]string) *jet.Set {
	loader := jet.NewInMemLoader()
	for name, content := range templates {
		loader.Set(templatePath(name), content)
	}
	return jet.NewSet(loader)
}

// ExecuteTemplate renders the named template of set with data as context.
func ExecuteTemplate(set *jet.Set, name string, w io.Writer, data interface{}) error {
	t, err := set.GetTemplate(templatePath(name))
	if err != nil {
		return err
	}
	return t.Execute(w, make(jet.VarMap), data)
}

func templatePath(name string) string {
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	if !strings.HasSuffix(name, ".jet") {
		name += ".jet"
	}
	return name
}
