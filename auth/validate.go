package auth

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// checkParams validates p by its `validate` tags and returns the message
// shown for the first failing field, or "" when p is valid.
func checkParams(p any) string {
	err := validate.Struct(p)
	if err == nil {
		return ""
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "The request is invalid."
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required."
	case "email":
		return "Enter a valid email address."
	case "min":
		return passwordRule()
	case "eqfield":
		return "The passwords do not match."
	}
	return fe.Field() + " is invalid."
}
