package config

import (
	"strings"
	"testing"
)

func TestExpandEnvWithDefaults(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		envVars     map[string]string
		expected    string
		expectError bool
		errorMsg    string
	}{
		{
			name:     "standard expansion",
			input:    "host: ${MSSQL_HOST}",
			envVars:  map[string]string{"MSSQL_HOST": "db.internal"},
			expected: "host: db.internal",
		},
		{
			name:     "shorthand expansion",
			input:    "host: $MSSQL_HOST",
			envVars:  map[string]string{"MSSQL_HOST": "db.internal"},
			expected: "host: db.internal",
		},
		{
			name:     "unset variable expands to empty string",
			input:    "host: ${UNSET_VAR}",
			expected: "host: ",
		},
		{
			name:     "default when unset",
			input:    "port: ${MSSQL_PORT:-1433}",
			expected: "port: 1433",
		},
		{
			name:     "default ignored when set",
			input:    "port: ${MSSQL_PORT:-1433}",
			envVars:  map[string]string{"MSSQL_PORT": "14330"},
			expected: "port: 14330",
		},
		{
			name:     "default when set but empty",
			input:    "port: ${MSSQL_PORT:-1433}",
			envVars:  map[string]string{"MSSQL_PORT": ""},
			expected: "port: 1433",
		},
		{
			name:        "required variable missing",
			input:       "password: ${MSSQL_PASSWORD:?password must be set}",
			expectError: true,
			errorMsg:    "password must be set",
		},
		{
			name:     "required variable present",
			input:    "password: ${MSSQL_PASSWORD:?password must be set}",
			envVars:  map[string]string{"MSSQL_PASSWORD": "s3cret"},
			expected: "password: s3cret",
		},
		{
			name:        "required variable missing without message",
			input:       "password: ${MSSQL_PASSWORD:?}",
			expectError: true,
			errorMsg:    "required but not set",
		},
		{
			name: "multiple variables in one document",
			input: "sqlserver:\n  host: ${MSSQL_HOST}\n  database: ${MSSQL_DB:-orders}\n",
			envVars: map[string]string{
				"MSSQL_HOST": "db.internal",
			},
			expected: "sqlserver:\n  host: db.internal\n  database: orders\n",
		},
		{
			name:     "no variables passes through",
			input:    "level: info",
			expected: "level: info",
		},
		{
			name:     "dollar without identifier passes through",
			input:    "value: 100$",
			expected: "value: 100$",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			got, err := expandEnvWithDefaults(tt.input)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("error %q does not contain %q", err.Error(), tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.expected {
				t.Errorf("got %q, want %q", got, tt.expected)
			}
		})
	}
}
