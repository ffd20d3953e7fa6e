package rules

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	sprig "github.com/Masterminds/sprig/v3"
)

// AlertDefinition is the raw shape of one watchlist alert before compilation.
type AlertDefinition struct {
	Name      string
	Indicator string
	Condition string
	Message   string
}

// Alert is a compiled watchlist alert: a boolean CEL condition plus an
// optional message template rendered when the condition fires.
type Alert struct {
	name      string
	indicator string
	condition Program
	message   *template.Template
}

// AlertResult reports one fired alert.
type AlertResult struct {
	Name      string `json:"name"`
	Indicator string `json:"indicator"`
	Message   string `json:"message"`
}

// MessageContext is the data handed to alert message templates.
type MessageContext struct {
	Indicator string
	Symbol    string
	Value     float64
	Stale     bool
	Time      time.Time
}

// templateFuncs exposes sprig helpers to alert messages with the
// environment and filesystem helpers removed: alert documents are operator
// input, not trusted code.
func templateFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()
	restricted := []string{
		"env",
		"expandenv",
		"readDir",
		"mustReadDir",
		"readFile",
		"mustReadFile",
		"glob",
	}
	for _, name := range restricted {
		delete(funcs, name)
	}
	return funcs
}

// CompileAlert validates and compiles one alert definition.
func (e *Environment) CompileAlert(def AlertDefinition) (*Alert, error) {
	if strings.TrimSpace(def.Name) == "" {
		return nil, fmt.Errorf("rules: alert name required")
	}
	condition, err := e.Compile(def.Condition)
	if err != nil {
		return nil, fmt.Errorf("rules: alert %s: %w", def.Name, err)
	}
	alert := &Alert{name: def.Name, indicator: def.Indicator, condition: condition}
	if strings.TrimSpace(def.Message) != "" {
		tmpl, err := template.New(def.Name).Funcs(templateFuncs()).Option("missingkey=zero").Parse(def.Message)
		if err != nil {
			return nil, fmt.Errorf("rules: alert %s message: %w", def.Name, err)
		}
		alert.message = tmpl
	}
	return alert, nil
}

// Name returns the alert's configured name.
func (a *Alert) Name() string { return a.name }

// Indicator returns the indicator this alert watches. Empty means the alert
// applies to every indicator evaluation.
func (a *Alert) Indicator() string { return a.indicator }

// Evaluate runs the condition against the given activation and, when it
// fires, renders the message. An alert bound to a different indicator
// short-circuits to not-fired.
func (a *Alert) Evaluate(vars map[string]any, msgCtx MessageContext) (AlertResult, bool, error) {
	if a.indicator != "" && a.indicator != msgCtx.Indicator {
		return AlertResult{}, false, nil
	}
	fired, err := a.condition.EvalBool(vars)
	if err != nil {
		return AlertResult{}, false, err
	}
	if !fired {
		return AlertResult{}, false, nil
	}
	result := AlertResult{Name: a.name, Indicator: msgCtx.Indicator}
	if a.message != nil {
		var buf bytes.Buffer
		if err := a.message.Execute(&buf, msgCtx); err != nil {
			return AlertResult{}, false, fmt.Errorf("rules: alert %s render: %w", a.name, err)
		}
		result.Message = buf.String()
	}
	return result, true, nil
}

// CompileAlerts compiles a set of definitions, collecting per-alert errors
// instead of failing wholesale so one bad alert cannot disable the rest.
func (e *Environment) CompileAlerts(defs []AlertDefinition) ([]*Alert, []error) {
	var alerts []*Alert
	var errs []error
	for _, def := range defs {
		alert, err := e.CompileAlert(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		alerts = append(alerts, alert)
	}
	return alerts, errs
}
