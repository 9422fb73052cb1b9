package types

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// FUNCTIONAL DISCOVERY: Regex and validator compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	validate    = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return IsValidUserID(fl.Field().String())
	})
	return v
}

// ValidateStruct runs tag validation and folds failures into ErrValidation
func ValidateStruct(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
		}
		return Validationf("%s", strings.Join(parts, "; "))
	}
	return Validationf("%v", err)
}

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-64 characters covers uuids and directory ids while
// keeping room names short
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 64 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// IsValidRole reports whether role is one of the known roles
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleTeacher, RoleStudent:
		return true
	default:
		return false
	}
}

// IsValidRecipientType reports whether t is one of the three audience kinds
func IsValidRecipientType(t RecipientType) bool {
	switch t {
	case RecipientGlobal, RecipientRole, RecipientStudent:
		return true
	default:
		return false
	}
}

// CanTransition is the live-session state machine
func CanTransition(from, to SessionStatus) bool {
	switch from {
	case SessionScheduled:
		return to == SessionOngoing || to == SessionCancelled
	case SessionOngoing:
		return to == SessionEnded
	default:
		return false
	}
}
