package models

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestParseValue(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  Value
	}{
		{"plain word", "B", StringValue("B")},
		{"quoted string", `"use postgres"`, StringValue("use postgres")},
		{"integer", "42", NumberValue(42)},
		{"float", "0.5", NumberValue(0.5)},
		{"bool", "true", BoolValue(true)},
		{"object", `{"db":"postgres","replicas":2}`, MapValue(map[string]Value{
			"db":       StringValue("postgres"),
			"replicas": NumberValue(2),
		})},
		{"list falls back to string", `[1,2]`, StringValue(`[1,2]`)},
		{"null falls back to string", "null", StringValue("null")},
		{"empty", "", StringValue("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseValue(tt.input)
			if !got.Equal(tt.want) {
				t.Errorf("ParseValue(%q) = %v (%s), want %v (%s)", tt.input, got, got.Kind(), tt.want, tt.want.Kind())
			}
		})
	}
}

func TestValue_JSONRejectsLists(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`[1,2,3]`), &v); err == nil {
		t.Fatal("expected error decoding a list")
	}

	var m map[string]Value
	if err := json.Unmarshal([]byte(`{"a":{"b":[true]}}`), &m); err == nil {
		t.Fatal("expected error decoding a nested list")
	}
}

func TestValue_MapJSONIsDeterministic(t *testing.T) {
	v := MapValue(map[string]Value{
		"zeta":  BoolValue(false),
		"alpha": StringValue("x"),
		"mid":   NumberValue(1.5),
	})

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"alpha":"x","mid":1.5,"zeta":false}`
	if string(data) != want {
		t.Errorf("Marshal = %s, want %s", data, want)
	}
}

func TestValue_UnmarshalYAML(t *testing.T) {
	src := `
name: build
retries: 3
strict: yes
ratio: 0.25
nested:
  region: eu
`
	var got map[string]Value
	if err := yaml.Unmarshal([]byte(src), &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if s, ok := got["name"].AsString(); !ok || s != "build" {
		t.Errorf("name = %v, want build", got["name"])
	}
	if n, ok := got["retries"].AsNumber(); !ok || n != 3 {
		t.Errorf("retries = %v, want 3", got["retries"])
	}
	if n, ok := got["ratio"].AsNumber(); !ok || n != 0.25 {
		t.Errorf("ratio = %v, want 0.25", got["ratio"])
	}
	region, ok := got["nested"].Field("region")
	if !ok || region.String() != "eu" {
		t.Errorf("nested.region = %v, want eu", region)
	}
}

func TestValue_UnmarshalYAMLRejectsSequences(t *testing.T) {
	var got map[string]Value
	err := yaml.Unmarshal([]byte("items:\n  - a\n  - b\n"), &got)
	if err == nil {
		t.Fatal("expected error decoding a sequence")
	}
}

func TestFromAny(t *testing.T) {
	v, err := FromAny(map[string]any{"n": 3, "s": "x", "b": true})
	if err != nil {
		t.Fatalf("FromAny failed: %v", err)
	}
	want := MapValue(map[string]Value{
		"n": NumberValue(3),
		"s": StringValue("x"),
		"b": BoolValue(true),
	})
	if !v.Equal(want) {
		t.Errorf("FromAny = %v, want %v", v, want)
	}

	if _, err := FromAny([]string{"a"}); err == nil {
		t.Error("expected error for slice input")
	}
}

func TestValue_String(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{StringValue("B"), "B"},
		{NumberValue(2), "2"},
		{NumberValue(0.75), "0.75"},
		{BoolValue(false), "false"},
		{Value{}, ""},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestMapValue_CopiesInput(t *testing.T) {
	in := map[string]Value{"a": StringValue("1")}
	v := MapValue(in)
	in["a"] = StringValue("2")

	got, _ := v.Field("a")
	if got.String() != "1" {
		t.Errorf("MapValue shares caller map: got %q", got.String())
	}
}
