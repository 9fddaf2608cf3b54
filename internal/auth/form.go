package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// LoginForm is the submitted login form.
type LoginForm struct {
	Username string `validate:"required,min=3,max=32,alphanum"`
	Password string `validate:"required,min=6,max=72"`
}

// RegisterForm is the submitted registration form.
type RegisterForm struct {
	Username        string `validate:"required,min=3,max=32,alphanum"`
	Password        string `validate:"required,min=6,max=72"`
	PasswordConfirm string `validate:"required,eqfield=Password"`
}

// ValidationError lists the form fields that failed validation together with
// a human-readable reason.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for field, msg := range e.Fields {
		parts = append(parts, field+": "+msg)
	}
	return "invalid form: " + strings.Join(parts, "; ")
}

// Validate checks a LoginForm or RegisterForm.
func Validate(form any) error {
	err := validate.Struct(form)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Field()] = describe(fe)
	}
	return &ValidationError{Fields: fields}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "This field is required."
	case "min":
		return fmt.Sprintf("Must be at least %s characters long.", fe.Param())
	case "max":
		return fmt.Sprintf("Must be at most %s characters long.", fe.Param())
	case "alphanum":
		return "Only letters and digits are allowed."
	case "eqfield":
		return "Passwords must match."
	}
	return "Invalid value."
}
