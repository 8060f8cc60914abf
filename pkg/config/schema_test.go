package config

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestWriteSchema(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteSchema(&buf); err != nil {
		t.Fatalf("WriteSchema failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("Schema is not valid JSON: %v", err)
	}
	if doc["title"] != "DittoShare Configuration" {
		t.Errorf("Unexpected title %v", doc["title"])
	}

	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatalf("Schema has no properties")
	}
	// Property names follow the yaml keys of the config file
	for _, key := range []string{"logging", "server", "store", "backends", "share_types"} {
		if _, ok := props[key]; !ok {
			t.Errorf("Schema is missing property %q", key)
		}
	}
	if _, ok := props["ShareTypes"]; ok {
		t.Errorf("Schema uses Go field names instead of yaml keys")
	}
}
