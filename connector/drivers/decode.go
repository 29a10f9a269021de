package drivers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-viper/mapstructure/v2"
)

// parseDocument decodes raw JSON keeping numbers exact.
func parseDocument(raw []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// weakDecode maps a decoded document onto out by json tag. Vendors mix
// numeric and string ids, so conversion is lenient.
func weakDecode(in, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// decodeLoose is parseDocument followed by weakDecode.
func decodeLoose(raw []byte, out interface{}) error {
	doc, err := parseDocument(raw)
	if err != nil {
		return err
	}
	return weakDecode(doc, out)
}

// rawItems splits a JSON array into its elements.
func rawItems(raw json.RawMessage) ([]json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("expected a JSON array: %w", err)
	}
	return items, nil
}

func unixString(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
