package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
)

// FieldType represents the type of a configuration field
type FieldType int

const (
	FieldTypeString FieldType = iota
	FieldTypeInt
	FieldTypeFloat
	FieldTypeDuration
	FieldTypeBool
)

func (ft FieldType) String() string {
	switch ft {
	case FieldTypeString:
		return "string"
	case FieldTypeInt:
		return "int"
	case FieldTypeFloat:
		return "float"
	case FieldTypeDuration:
		return "duration"
	case FieldTypeBool:
		return "bool"
	default:
		return "unknown"
	}
}

// FieldValidator provides a fluent API for building config field validators
type FieldValidator struct {
	fieldName  string
	required   bool
	fieldType  FieldType
	validators []func(string) error
}

func StringField(name string) *FieldValidator {
	return &FieldValidator{fieldName: name, fieldType: FieldTypeString}
}

func IntField(name string) *FieldValidator {
	return &FieldValidator{fieldName: name, fieldType: FieldTypeInt}
}

func FloatField(name string) *FieldValidator {
	return &FieldValidator{fieldName: name, fieldType: FieldTypeFloat}
}

func DurationField(name string) *FieldValidator {
	return &FieldValidator{fieldName: name, fieldType: FieldTypeDuration}
}

func BoolField(name string) *FieldValidator {
	return &FieldValidator{fieldName: name, fieldType: FieldTypeBool}
}

func (fv *FieldValidator) Required() *FieldValidator {
	fv.required = true
	return fv
}

// Min validates a lower bound on int and float fields.
func (fv *FieldValidator) Min(min float64) *FieldValidator {
	if fv.fieldType != FieldTypeInt && fv.fieldType != FieldTypeFloat {
		panic(fmt.Sprintf("Min() can only be used with numeric fields, got %s", fv.fieldType))
	}
	return fv.Custom(func(value string) error {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("must be a number")
		}
		if f < min {
			return fmt.Errorf("must be at least %v", min)
		}
		return nil
	})
}

func (fv *FieldValidator) OneOf(values ...string) *FieldValidator {
	return fv.Custom(func(value string) error {
		for _, v := range values {
			if value == v {
				return nil
			}
		}
		return fmt.Errorf("must be one of: %s", strings.Join(values, ", "))
	})
}

// URL requires an absolute http or https URL.
func (fv *FieldValidator) URL() *FieldValidator {
	return fv.Custom(func(value string) error {
		u, err := url.Parse(value)
		if err != nil {
			return fmt.Errorf("must be a URL: %w", err)
		}
		if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return fmt.Errorf("must be an absolute http(s) URL")
		}
		return nil
	})
}

func (fv *FieldValidator) Custom(fn func(string) error) *FieldValidator {
	fv.validators = append(fv.validators, fn)
	return fv
}

func (fv *FieldValidator) FieldName() string {
	return fv.fieldName
}

func (fv *FieldValidator) Validate(value string) error {
	if err := validateType(value, fv.fieldType); err != nil {
		return err
	}
	for _, fn := range fv.validators {
		if err := fn(value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSchema checks config against validators and reports every failing
// field, not only the first.
func ValidateSchema(config map[string]string, validators ...*FieldValidator) error {
	var result *multierror.Error
	for _, fv := range validators {
		value, exists := config[fv.fieldName]
		if !exists || value == "" {
			if fv.required {
				result = multierror.Append(result, fmt.Errorf("field '%s' is required", fv.fieldName))
			}
			continue
		}
		if err := fv.Validate(value); err != nil {
			result = multierror.Append(result, fmt.Errorf("field '%s': %w", fv.fieldName, err))
		}
	}
	return result.ErrorOrNil()
}

func validateType(value string, fieldType FieldType) error {
	if value == "" {
		return nil
	}
	switch fieldType {
	case FieldTypeInt:
		if _, err := strconv.Atoi(value); err != nil {
			return fmt.Errorf("must be an integer")
		}
	case FieldTypeFloat:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("must be a number")
		}
	case FieldTypeDuration:
		if _, err := parseutil.ParseDurationSecond(value); err != nil {
			return fmt.Errorf("must be a duration (e.g., '30s', '5m', '1h')")
		}
	case FieldTypeBool:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("must be a boolean (true/false)")
		}
	}
	return nil
}
