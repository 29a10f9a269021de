package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// bodyOptions flattens the leftover attributes of a typed block into strings.
// Lists are joined with commas.
func bodyOptions(body hcl.Body) (map[string]string, error) {
	out := make(map[string]string)
	if body == nil {
		return out, nil
	}
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	ctx := evalContext()
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(ctx)
		if diags.HasErrors() {
			return nil, diags
		}
		s, err := ctyToString(val)
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", name, err)
		}
		out[name] = s
	}
	return out, nil
}

func ctyToString(val cty.Value) (string, error) {
	if val.IsNull() {
		return "", nil
	}
	if !val.IsKnown() {
		return "", fmt.Errorf("value is not known")
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		return val.AsBigFloat().Text('f', -1), nil
	case ty == cty.Bool:
		return strconv.FormatBool(val.True()), nil
	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		var parts []string
		for it := val.ElementIterator(); it.Next(); {
			_, elem := it.Element()
			s, err := ctyToString(elem)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	}
	return "", fmt.Errorf("unsupported type %s", ty.FriendlyName())
}

// Option map helpers. Backend and transport factories receive their block
// as map[string]string and read typed values with these.

func GetString(config map[string]string, key string, defaultValue string) string {
	if val, ok := config[key]; ok && val != "" {
		return val
	}
	return defaultValue
}

func GetStringRequired(config map[string]string, key string) (string, error) {
	if val, ok := config[key]; ok && val != "" {
		return val, nil
	}
	return "", fmt.Errorf("required config key '%s' not found or empty", key)
}

// GetStringSlice splits a comma separated value, dropping blanks.
func GetStringSlice(config map[string]string, key string) []string {
	val, ok := config[key]
	if !ok || val == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func GetInt(config map[string]string, key string, defaultValue int) int {
	if val, ok := config[key]; ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultValue
}

func GetBool(config map[string]string, key string, defaultValue bool) bool {
	if val, ok := config[key]; ok {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultValue
}

// GetDuration accepts "30s" style strings and bare seconds.
func GetDuration(config map[string]string, key string, defaultValue time.Duration) time.Duration {
	d, err := parseDuration(config[key], defaultValue)
	if err != nil {
		return defaultValue
	}
	return d
}
