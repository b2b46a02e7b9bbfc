package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// It is byte-compatible with GoJSON for the types this module persists and
// is kept for reading metadata written by tools that only have encoding/json.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used for cache metadata and reports.
var Default Codec = GoJSON{}
