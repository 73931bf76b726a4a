package domain

import (
	"encoding/json"
	"testing"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name string
		raw  any
		want int64
	}{
		{name: "nil", raw: nil, want: 0},
		{name: "reais int below threshold", raw: int64(35), want: 3500},
		{name: "cents int above threshold", raw: int64(3590), want: 3590},
		{name: "float with decimals", raw: 35.9, want: 3590},
		{name: "whole float below threshold", raw: float64(35), want: 3500},
		{name: "string with comma", raw: "35,90", want: 3590},
		{name: "string with dot", raw: "35.90", want: 3590},
		{name: "string whole above threshold", raw: "3590", want: 3590},
		{name: "string whole below threshold", raw: "35", want: 3500},
		{name: "json number", raw: json.Number("19.90"), want: 1990},
		{name: "garbage string", raw: "abc", want: 0},
		{name: "empty string", raw: "  ", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseAmount(tt.raw); got != tt.want {
				t.Fatalf("ParseAmount(%v) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestDecodePayloadFormWins(t *testing.T) {
	body := []byte(`{"status":"pending","id":"abc"}`)
	form := map[string][]string{"status": {"paid"}}

	out, err := DecodePayload(body, form)
	if err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if got := ReadString(out, "status"); got != "paid" {
		t.Fatalf("status = %q, want paid", got)
	}
	if got := ReadString(out, "id"); got != "abc" {
		t.Fatalf("id = %q, want abc", got)
	}
}

func TestDecodePayloadEmpty(t *testing.T) {
	if _, err := DecodePayload(nil, nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestReadStringNumeric(t *testing.T) {
	out := map[string]any{"id": float64(12345)}
	if got := ReadString(out, "id"); got != "12345" {
		t.Fatalf("id = %q, want 12345", got)
	}
}
