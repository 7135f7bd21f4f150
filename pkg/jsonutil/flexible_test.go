package jsonutil

import (
	"encoding/json"
	"testing"
)

func TestFlexibleStringValue(t *testing.T) {
	tests := []struct {
		name  string
		input json.RawMessage
		want  string
	}{
		{name: "quoted literal", input: json.RawMessage(`"1995-03-15"`), want: "1995-03-15"},
		{name: "integer", input: json.RawMessage(`42`), want: "42"},
		{name: "decimal", input: json.RawMessage(`3.14`), want: "3.14"},
		{name: "boolean", input: json.RawMessage(`true`), want: "true"},
		{name: "null", input: json.RawMessage(`null`), want: ""},
		{name: "nil", input: nil, want: ""},
		{name: "large integer keeps precision", input: json.RawMessage(`9007199254740992`), want: "9007199254740992"},
		{name: "array falls back to raw", input: json.RawMessage(`[1,2]`), want: `[1,2]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FlexibleStringValue(tt.input)
			if got != tt.want {
				t.Errorf("FlexibleStringValue(%s) = %q, want %q", string(tt.input), got, tt.want)
			}
		})
	}
}

func TestFlexibleFloatValue(t *testing.T) {
	tests := []struct {
		name    string
		input   json.RawMessage
		want    float64
		wantErr bool
	}{
		{name: "number", input: json.RawMessage(`2.5`), want: 2.5},
		{name: "quoted number", input: json.RawMessage(`"-12"`), want: -12},
		{name: "boolean", input: json.RawMessage(`true`), want: 1},
		{name: "empty", input: nil, wantErr: true},
		{name: "not a number", input: json.RawMessage(`"abc"`), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FlexibleFloatValue(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %s", string(tt.input))
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("FlexibleFloatValue(%s) = %v, want %v", string(tt.input), got, tt.want)
			}
		})
	}
}
