// Package rules denies OWS calls with boolean expressions over the
// resolved service, version and request of the call.
package rules

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	goeval "github.com/edisonguo/govaluate"
	"github.com/nci/owsd/ows"
	"github.com/nci/owsd/utils"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "rules")

// Variables lists the names an expression can refer to.
var Variables = map[string]struct{}{
	"service":      struct{}{},
	"version":      struct{}{},
	"request":      struct{}{},
	"outputformat": struct{}{},
	"path":         struct{}{},
	"method":       struct{}{},
	"remote_addr":  struct{}{},
	"soap":         struct{}{},
}

var functions = map[string]goeval.ExpressionFunction{
	"lower": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("lower() takes one argument")
		}
		return strings.ToLower(fmt.Sprint(args[0])), nil
	},
	"upper": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("upper() takes one argument")
		}
		return strings.ToUpper(fmt.Sprint(args[0])), nil
	},
}

// Rule allows a call when its expression is true.
type Rule struct {
	Name    string
	Message string
	Status  int
	expr    *goeval.EvaluableExpression
}

func NewRule(config utils.RuleConfig) (*Rule, error) {
	if len(strings.TrimSpace(config.Expression)) == 0 {
		return nil, fmt.Errorf("rule %q: empty expression", config.Name)
	}

	expr, err := goeval.NewEvaluableExpressionWithFunctions(config.Expression, functions)
	if err != nil {
		return nil, errors.Wrapf(err, "rule %q", config.Name)
	}

	for _, token := range expr.Tokens() {
		if token.Kind == goeval.VARIABLE {
			varName, ok := token.Value.(string)
			if !ok {
				return nil, fmt.Errorf("rule %q: variable token '%v' failed to cast string", config.Name, token.Value)
			}
			if _, found := Variables[varName]; !found {
				return nil, fmt.Errorf("rule %q: variable %v is not supported. Valid variables are %v", config.Name, varName, variableNames())
			}
		}
	}

	status := config.Status
	if status == 0 {
		status = http.StatusForbidden
	}
	return &Rule{Name: config.Name, Message: config.Message, Status: status, expr: expr}, nil
}

func variableNames() []string {
	names := make([]string, 0, len(Variables))
	for name := range Variables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Allow evaluates the rule. Expressions not yielding a boolean are
// errors.
func (r *Rule) Allow(params map[string]interface{}) (bool, error) {
	result, err := r.expr.Evaluate(params)
	if err != nil {
		return false, errors.Wrapf(err, "rule %q", r.Name)
	}
	allowed, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("rule %q: expression yields %v, not a boolean", r.Name, result)
	}
	return allowed, nil
}

// Checker is a dispatcher callback applying rules once the operation of
// a call is known. The first rule denying the call wins.
type Checker struct {
	ows.BaseCallback
	Rules []*Rule
}

func NewChecker(configs []utils.RuleConfig) (*Checker, error) {
	checker := &Checker{}
	for _, config := range configs {
		rule, err := NewRule(config)
		if err != nil {
			return nil, err
		}
		checker.Rules = append(checker.Rules, rule)
	}
	return checker, nil
}

func (c *Checker) OperationDispatched(req *ows.Request, op *ows.Operation) (*ows.Operation, error) {
	if len(c.Rules) == 0 {
		return nil, nil
	}

	params := Parameters(req, op)
	for _, rule := range c.Rules {
		allowed, err := rule.Allow(params)
		if err != nil {
			log.Errorf("%v", err)
		}
		if err != nil || !allowed {
			message := rule.Message
			if message == "" {
				message = fmt.Sprintf("Access denied by rule %s", rule.Name)
			}
			log.Infof("Request %s denied by rule %s: %v", req.ID, rule.Name, req)
			return nil, ows.NewSecurityError(rule.Status, errors.New(message))
		}
	}
	return nil, nil
}

// Parameters are the values of the rule variables for a call. Service
// ids are upper case.
func Parameters(req *ows.Request, op *ows.Operation) map[string]interface{} {
	params := map[string]interface{}{
		"service":      strings.ToUpper(req.Service),
		"version":      req.Version,
		"request":      req.Request,
		"outputformat": req.OutputFormat,
		"path":         req.Path,
		"method":       "",
		"remote_addr":  "",
		"soap":         req.SOAP,
	}
	if op != nil {
		if op.Service != nil {
			params["service"] = strings.ToUpper(op.Service.ID)
			params["version"] = op.Service.Version
		}
		if op.Method != nil {
			params["request"] = op.Method.Name
		}
	}
	if r := req.HTTPRequest; r != nil {
		params["method"] = r.Method
		params["remote_addr"] = utils.RemoteHost(r)
		params["path"] = r.URL.Path
	}
	return params
}
