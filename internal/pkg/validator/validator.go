package validator

import (
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Validator instance
var validate *validator.Validate

var operationTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

func init() {
	validate = validator.New()

	// Use JSON tag names in error messages
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Compare decimals numerically so gt=0 and lte work on credit amounts.
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		d, ok := v.Interface().(decimal.Decimal)
		if !ok {
			return nil
		}
		f, _ := d.Float64()
		return f
	}, decimal.Decimal{})

	registerCustomValidations()
}

func registerCustomValidations() {
	// Batch types a grant may create
	validate.RegisterValidation("grant_type", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "adjustment", "refund":
			return true
		}
		return false
	})

	// Operation types are short snake_case identifiers, e.g. call_minute
	validate.RegisterValidation("operation_type", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v == "" || operationTypePattern.MatchString(v)
	})

	// Decimal places on credit amounts, e.g. scale=4. The custom type func
	// hands tags a float64, so the decimal is read back from the struct.
	validate.RegisterValidation("scale", func(fl validator.FieldLevel) bool {
		places, err := strconv.Atoi(fl.Param())
		if err != nil {
			return false
		}
		f := reflect.Indirect(fl.Parent()).FieldByName(fl.StructFieldName())
		if !f.IsValid() {
			return false
		}
		d, ok := f.Interface().(decimal.Decimal)
		if !ok {
			return false
		}
		return d.Equal(d.Truncate(int32(places)))
	})

	// Idempotency references: non-blank, no surrounding whitespace
	validate.RegisterValidation("reference", func(fl validator.FieldLevel) bool {
		v := fl.Field().String()
		return v != "" && strings.TrimSpace(v) == v && len(v) <= 255
	})
}

// Validate validates a struct and returns a map of field errors
func Validate(s interface{}) map[string]string {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return map[string]string{"_": err.Error()}
	}

	errors := make(map[string]string)
	for _, err := range verrs {
		field := err.Field()
		switch err.Tag() {
		case "required":
			errors[field] = "This field is required"
		case "min":
			errors[field] = "Value is too short (min: " + err.Param() + ")"
		case "max":
			errors[field] = "Value is too long (max: " + err.Param() + ")"
		case "gt":
			errors[field] = "Value must be greater than " + err.Param()
		case "gte":
			errors[field] = "Value must be at least " + err.Param()
		case "lte":
			errors[field] = "Value must be at most " + err.Param()
		case "scale":
			errors[field] = "Value must have at most " + err.Param() + " decimal places"
		case "uuid":
			errors[field] = "Invalid UUID format"
		case "grant_type":
			errors[field] = "Invalid batch type. Must be: adjustment or refund"
		case "operation_type":
			errors[field] = "Invalid operation type. Use lowercase letters, digits and underscores"
		case "reference":
			errors[field] = "Reference is required and must not have surrounding spaces"
		default:
			errors[field] = "Invalid value"
		}
	}

	return errors
}
