package helpers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/stephnangue/wearlink/api"
)

var (
	// AddressFlag is bound to the root --address flag.
	AddressFlag string

	c *api.Client
)

// Client constructs the HTTP API client.
func Client() (*api.Client, error) {
	if c != nil {
		return c, nil
	}

	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to read environment: %w", config.Error)
	}
	if AddressFlag != "" {
		config.Address = AddressFlag
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	// Turn off retries on the CLI
	if os.Getenv(api.EnvWearlinkMaxRetries) == "" {
		client.SetMaxRetries(0)
	}

	c = client
	return client, nil
}

// SetClient replaces the cached client. Used by tests.
func SetClient(client *api.Client) {
	c = client
}

// PrintJSON writes v indented.
func PrintJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
