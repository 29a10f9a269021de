// Package drivers holds the built-in vendor drivers.
package drivers

import (
	"github.com/hashicorp/go-multierror"

	"github.com/stephnangue/wearlink/connector"
)

// Builtins returns one driver per supported vendor.
func Builtins() []connector.Driver {
	return []connector.Driver{Whoop{}, Garmin{}, Fitbit{}}
}

// RegisterBuiltins adds the built-in drivers to reg.
func RegisterBuiltins(reg *connector.Registry) error {
	var result *multierror.Error
	for _, d := range Builtins() {
		if err := reg.Register(d); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
