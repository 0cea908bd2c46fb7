package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// taskSchema is sent to the backend with every fix-json request.
const taskSchema = `{
  "type": "object",
  "required": ["ref", "kind", "name", "description", "duration", "priority"],
  "properties": {
    "ref":         {"type": "string", "minLength": 1},
    "kind":        {"enum": ["create-artifact", "modify-artifact", "compose-unit", "configure", "install-dependency"]},
    "name":        {"type": "string", "minLength": 1},
    "description": {"type": "string", "minLength": 1},
    "duration":    {"type": ["string", "number"], "description": "Go duration such as \"5m\" or seconds"},
    "priority":    {"type": "integer", "minimum": 0, "maximum": 1000},
    "inputs":      {"type": "object"},
    "depends_on":  {"type": "array", "items": {"type": "string"}}
  }
}`

// rawTask is a task document as proposed by the backend.
type rawTask struct {
	Ref         string         `json:"ref" validate:"required"`
	Kind        string         `json:"kind" validate:"required,oneof=create-artifact modify-artifact compose-unit configure install-dependency"`
	Name        string         `json:"name" validate:"required"`
	Description string         `json:"description" validate:"required"`
	Duration    duration       `json:"duration" validate:"gt=0"`
	Priority    *int           `json:"priority" validate:"required,min=0,max=1000"`
	Inputs      map[string]any `json:"inputs"`
	DependsOn   []string       `json:"depends_on" validate:"dive,required"`
}

// duration accepts "5m" style strings or a number of seconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("duration %q: %w", s, err)
		}
		*d = duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return errors.New(`duration must be a string like "5m" or a number of seconds`)
	}
	*d = duration(secs * float64(time.Second))
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// check decodes and validates doc, returning the parsed task and the list of
// problems found. A nil problem list means the document is acceptable.
func check(v *validator.Validate, doc []byte) (*rawTask, []string) {
	var rt rawTask
	if err := json.Unmarshal(doc, &rt); err != nil {
		return nil, []string{"document: " + err.Error()}
	}
	err := v.Struct(&rt)
	if err == nil {
		return &rt, nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil, []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return &rt, problems
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + ": required"
	case "oneof":
		return fmt.Sprintf("%s: must be one of %s, got %q", field, fe.Param(), fe.Value())
	case "gt":
		return field + ": must be positive"
	case "min", "max":
		return field + ": must be within 0..1000"
	default:
		return fmt.Sprintf("%s: failed %s", field, fe.Tag())
	}
}
