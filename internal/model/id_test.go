package model

import (
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	id, err := GenerateID(IDTypeJob)
	if err != nil {
		t.Fatalf("GenerateID returned error: %v", err)
	}
	if !ValidateID(id) {
		t.Errorf("generated ID %q does not match regex", id)
	}
	if !strings.HasPrefix(id, "job_") {
		t.Errorf("expected prefix job_, got %q", id)
	}
}

func TestGenerateID_InvalidType(t *testing.T) {
	if _, err := GenerateID("invalid"); err == nil {
		t.Error("expected error for invalid ID type")
	}
}

func TestGenerateID_Uniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := GenerateID(IDTypeJob)
		if err != nil {
			t.Fatalf("GenerateID returned error: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateID(t *testing.T) {
	tests := []struct {
		name  string
		id    string
		valid bool
	}{
		{"valid job", "job_1771722000_a3f2b7c1", true},
		{"other type", "dlv_1771722060_b7c1d4e9", false},
		{"invalid prefix", "cmd_1771722000_a3f2b7c1", false},
		{"short timestamp", "job_177172200_a3f2b7c1", false},
		{"uppercase hex", "job_1771722000_A3F2B7C1", false},
		{"short hex", "job_1771722000_a3f2b7c", false},
		{"empty", "", false},
		{"path traversal", "../job_1771722000_a3f2b7c1", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ValidateID(tt.id); got != tt.valid {
				t.Errorf("ValidateID(%q) = %v, want %v", tt.id, got, tt.valid)
			}
		})
	}
}
