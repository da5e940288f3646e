package validator

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"

	playground "github.com/go-playground/validator/v10"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
	ValidateField(field string, value interface{}, rules ...string) error
}

// FieldError describes the first failing field of a validated struct.
type FieldError struct {
	Field   string
	Tag     string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Message)
}

type validator struct {
	v *playground.Validate
}

var (
	defaultOnce sync.Once
	defaultV    Validator

	ownerRepoPattern  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*/[A-Za-z0-9._-]+$`)
	projectKeyPattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]+$`)
)

// New returns a validator that reports json field names and knows the
// custom tags used by portal schemas.
func New() Validator {
	v := playground.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	_ = v.RegisterValidation("ownerrepo", func(fl playground.FieldLevel) bool {
		return ownerRepoPattern.MatchString(fl.Field().String())
	})
	_ = v.RegisterValidation("projectkey", func(fl playground.FieldLevel) bool {
		return projectKeyPattern.MatchString(fl.Field().String())
	})
	return &validator{v: v}
}

// Default returns a process-wide validator. Validators are safe for
// concurrent use and cache struct metadata, so one instance is shared.
func Default() Validator {
	defaultOnce.Do(func() { defaultV = New() })
	return defaultV
}

func (v *validator) Validate(obj interface{}) error {
	if err := v.v.Struct(obj); err != nil {
		return translate(err)
	}
	return nil
}

func (v *validator) ValidateField(field string, value interface{}, rules ...string) error {
	if err := v.v.Var(value, strings.Join(rules, ",")); err != nil {
		var verrs playground.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &FieldError{Field: field, Tag: verrs[0].Tag(), Message: describe(verrs[0])}
		}
		return err
	}
	return nil
}

func translate(err error) error {
	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	// Namespace is "Struct.field.sub"; drop the root struct name.
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	return &FieldError{Field: field, Tag: fe.Tag(), Message: describe(fe)}
}

func describe(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without", "required_without_all":
		return fmt.Sprintf("is required when %s is not set", strings.ToLower(fe.Param()))
	case "min":
		return fmt.Sprintf("must have at least %s element(s) or characters", fe.Param())
	case "max":
		return fmt.Sprintf("must not exceed %s", fe.Param())
	case "email":
		return "must be a valid email"
	case "e164":
		return "must be an E.164 phone number"
	case "url":
		return "must be a valid URL"
	case "ownerrepo":
		return "must look like owner/repo"
	case "projectkey":
		return "must be an upper-case project key"
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		return fmt.Sprintf("failed the %q check", fe.Tag())
	}
}
