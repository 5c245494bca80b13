package utils

import (
	"fmt"
	"regexp"
	"sort"
)

// CapabilitiesRegexpMap maps GetCapabilities parameters to the regular
// expressions validating them.
// --- These do not catch every invalid value but filter out most of the
// --- malformed ones before they reach the readers.
var CapabilitiesRegexpMap = map[string]string{
	"service":        `^[A-Za-z]+$`,
	"request":        `^(?i)GetCapabilities$`,
	"version":        `^\d+(\.\d+){0,2}$`,
	"acceptversions": `^\d+(\.\d+){0,2}(,\d+(\.\d+){0,2})*$`,
	"sections":       `^[A-Za-z]+(,[A-Za-z]+)*$`,
	"updatesequence": `^[A-Za-z0-9_.:+-]*$`,
	"acceptformats":  `^[A-Za-z0-9/+.;= -]+(,[A-Za-z0-9/+.;= -]+)*$`,
}

// CompileRegexpMap compiles a map of validation expressions, panicking on
// invalid ones as they are program constants.
func CompileRegexpMap(exprs map[string]string) map[string]*regexp.Regexp {
	compiled := make(map[string]*regexp.Regexp, len(exprs))
	for key, re := range exprs {
		compiled[key] = regexp.MustCompile(re)
	}
	return compiled
}

// ParamError reports the first parameter failing validation.
type ParamError struct {
	Key   string
	Value string
}

func (e *ParamError) Error() string {
	return fmt.Sprintf("Invalid value for parameter %s: %q", e.Key, e.Value)
}

// CheckParams validates params against the expressions of their keys.
// Keys without an expression are accepted. Keys are checked in sorted
// order so the reported parameter is stable.
func CheckParams(params map[string]string, compREMap map[string]*regexp.Regexp) error {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		re, found := compREMap[k]
		if !found {
			continue
		}
		if !re.MatchString(params[k]) {
			return &ParamError{Key: k, Value: params[k]}
		}
	}
	return nil
}
