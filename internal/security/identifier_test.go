package security

import (
	"strings"
	"testing"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name           string
		identifier     string
		identifierType string
		wantErr        bool
		errContains    string
	}{
		{
			name:           "valid simple name",
			identifier:     "orders",
			identifierType: "table name",
			wantErr:        false,
		},
		{
			name:           "valid with underscores",
			identifier:     "order_items",
			identifierType: "table name",
			wantErr:        false,
		},
		{
			name:           "valid with numbers",
			identifier:     "table123",
			identifierType: "table name",
			wantErr:        false,
		},
		{
			name:           "valid starting with underscore",
			identifier:     "_internal",
			identifierType: "table name",
			wantErr:        false,
		},
		{
			name:           "valid mixed case",
			identifier:     "OrderItems_123",
			identifierType: "table name",
			wantErr:        false,
		},
		{
			name:           "valid max length (128 chars)",
			identifier:     strings.Repeat("a", 128),
			identifierType: "table name",
			wantErr:        false,
		},
		{
			name:           "empty identifier",
			identifier:     "",
			identifierType: "table name",
			wantErr:        true,
			errContains:    "cannot be empty",
		},
		{
			name:           "too long (129 chars)",
			identifier:     strings.Repeat("a", 129),
			identifierType: "table name",
			wantErr:        true,
			errContains:    "too long",
		},
		{
			name:           "starts with number",
			identifier:     "123table",
			identifierType: "table name",
			wantErr:        true,
			errContains:    "invalid characters",
		},
		{
			name:           "contains space",
			identifier:     "my table",
			identifierType: "table name",
			wantErr:        true,
			errContains:    "invalid characters",
		},
		{
			name:           "contains semicolon",
			identifier:     "orders;DROP TABLE users",
			identifierType: "table name",
			wantErr:        true,
			errContains:    "invalid characters",
		},
		{
			name:           "contains brackets",
			identifier:     "orders]",
			identifierType: "table name",
			wantErr:        true,
			errContains:    "invalid characters",
		},
		{
			name:           "contains quote",
			identifier:     "orders'--",
			identifierType: "column name",
			wantErr:        true,
			errContains:    "invalid characters",
		},
		{
			name:           "contains dash",
			identifier:     "my-table",
			identifierType: "table name",
			wantErr:        true,
			errContains:    "invalid characters",
		},
		{
			name:           "reserved word is allowed",
			identifier:     "SELECT",
			identifierType: "column name",
			wantErr:        false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier(tt.identifier, tt.identifierType)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ValidateIdentifier(%q) expected error, got nil", tt.identifier)
				}
				if tt.errContains != "" && !strings.Contains(err.Error(), tt.errContains) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errContains)
				}
				return
			}
			if err != nil {
				t.Errorf("ValidateIdentifier(%q) unexpected error: %v", tt.identifier, err)
			}
		})
	}
}

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		name       string
		identifier string
		want       string
	}{
		{"simple", "orders", "[orders]"},
		{"underscore", "order_items", "[order_items]"},
		{"closing bracket doubled", "odd]name", "[odd]]name]"},
		{"multiple brackets", "a]]b", "[a]]]]b]"},
		{"opening bracket untouched", "odd[name", "[odd[name]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := QuoteIdentifier(tt.identifier); got != tt.want {
				t.Errorf("QuoteIdentifier(%q) = %q, want %q", tt.identifier, got, tt.want)
			}
		})
	}
}

func TestValidateAndQuoteIdentifier(t *testing.T) {
	got, err := ValidateAndQuoteIdentifier("orders", "table name")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "[orders]" {
		t.Errorf("got %q, want %q", got, "[orders]")
	}

	if _, err := ValidateAndQuoteIdentifier("bad name", "table name"); err == nil {
		t.Error("expected error for invalid identifier, got nil")
	}
}

func TestValidateIdentifiers(t *testing.T) {
	err := ValidateIdentifiers(map[string]string{
		"schema name": "dbo",
		"table name":  "orders",
		"column name": "order_id",
	})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	err = ValidateIdentifiers(map[string]string{
		"schema name": "dbo",
		"table name":  "bad;table",
	})
	if err == nil {
		t.Error("expected error for invalid identifier, got nil")
	}
}
