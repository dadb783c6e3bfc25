package parse

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("nonempty", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})
}

// describe flattens validator output into "field failed tag" phrases.
func describe(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	if prefix, _, ok := strings.Cut(err.Error(), ": "); ok && strings.HasPrefix(prefix, "item ") {
		return fmt.Errorf("%s: %s", prefix, strings.Join(msgs, "; "))
	}
	return errors.New(strings.Join(msgs, "; "))
}

type Epic struct {
	Title       string         `json:"title" validate:"required,nonempty"`
	Description string         `json:"description" validate:"required,nonempty"`
	Tags        []string       `json:"tags"`
	Reflection  map[string]any `json:"reflection,omitempty"`
	Summary     *string        `json:"summary,omitempty"`
}

type Feature struct {
	Title       string  `json:"title" validate:"required,nonempty"`
	Description string  `json:"description" validate:"required,nonempty"`
	Summary     *string `json:"summary,omitempty"`
}

type UserStory struct {
	Title              string  `json:"title" validate:"required,nonempty"`
	Description        string  `json:"description" validate:"required,nonempty"`
	AcceptanceCriteria string  `json:"acceptance_criteria" validate:"required,nonempty"`
	Priority           string  `json:"priority" validate:"required,nonempty"`
	DoD                *string `json:"dod,omitempty"`
	DoR                *string `json:"dor,omitempty"`
	Summary            *string `json:"summary,omitempty"`
}

type Task struct {
	Title       string  `json:"title" validate:"required,nonempty"`
	Description string  `json:"description" validate:"required,nonempty"`
	Estimate    string  `json:"estimate" validate:"required,nonempty"`
	Summary     *string `json:"summary,omitempty"`
}

type Bug struct {
	Title      string   `json:"title" validate:"required,nonempty"`
	ReproSteps string   `json:"reproSteps" validate:"required,nonempty"`
	SystemInfo string   `json:"systemInfo" validate:"required,nonempty"`
	Tags       []string `json:"tags"`
}

// Ticket is the shared schema of issues and PBIs.
type Ticket struct {
	Title       string   `json:"title" validate:"required,nonempty"`
	Description string   `json:"description" validate:"required,nonempty"`
	Tags        []string `json:"tags"`
}

type Action struct {
	Step           string `json:"step" validate:"required,nonempty"`
	ExpectedResult string `json:"expected_result" validate:"required,nonempty"`
}

type TestCase struct {
	Priority string         `json:"priority" validate:"required,nonempty"`
	Title    string         `json:"title" validate:"required,nonempty"`
	Gherkin  map[string]any `json:"gherkin" validate:"required"`
	Actions  []Action       `json:"actions" validate:"required,dive"`
}

type WBS struct {
	WBS []map[string]any `json:"wbs" validate:"required,min=1"`
}
