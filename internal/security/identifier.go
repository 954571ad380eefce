package security

import (
	"fmt"
	"regexp"
	"strings"
)

// identifierRegex matches valid SQL identifiers (alphanumeric + underscore, must start with letter or underscore)
var identifierRegex = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// maxIdentifierLength is the SQL Server sysname limit.
const maxIdentifierLength = 128

// ValidateIdentifier validates that an identifier (schema name, table name, column name) is safe
// for SQL interpolation. SQL Server, like every other SQL engine, only supports parameterized
// values - never parameterized identifiers - so every identifier that ends up in generated query
// text must pass through here first.
//
// Validation rules:
//  1. Length: 1-128 characters (the SQL Server sysname limit)
//  2. Format: must match ^[a-zA-Z_][a-zA-Z0-9_]*$
//
// Reserved words (SELECT, TABLE, ...) are allowed because identifiers are always bracket-quoted
// before interpolation; once quoted they are safe to use as names.
func ValidateIdentifier(identifier string, identifierType string) error {
	if len(identifier) == 0 {
		return fmt.Errorf("%s cannot be empty", identifierType)
	}
	if len(identifier) > maxIdentifierLength {
		return fmt.Errorf("%s too long (%d characters, max %d): %s", identifierType, len(identifier), maxIdentifierLength, identifier)
	}

	if !identifierRegex.MatchString(identifier) {
		return fmt.Errorf("%s contains invalid characters (only alphanumeric and underscore allowed, must start with letter or underscore): %s", identifierType, identifier)
	}

	return nil
}

// QuoteIdentifier escapes a SQL Server identifier by doubling any closing brackets and wrapping
// the result in brackets. This is defense-in-depth on top of ValidateIdentifier, which already
// rejects bracket characters.
//
// Example:
//   - Input: "orders"     -> Output: "[orders]"
//   - Input: "odd]name"   -> Output: "[odd]]name]"
func QuoteIdentifier(identifier string) string {
	escaped := strings.ReplaceAll(identifier, "]", "]]")
	return "[" + escaped + "]"
}

// EscapeIdentifier escapes a ClickHouse identifier by doubling any backticks and wrapping the
// result in backticks. Sink-side counterpart of QuoteIdentifier.
func EscapeIdentifier(identifier string) string {
	escaped := strings.ReplaceAll(identifier, "`", "``")
	return "`" + escaped + "`"
}

// ValidateAndQuoteIdentifier combines validation and quoting in a single operation. This is the
// recommended entry point for all SQL identifier interpolation.
func ValidateAndQuoteIdentifier(identifier string, identifierType string) (string, error) {
	if err := ValidateIdentifier(identifier, identifierType); err != nil {
		return "", err
	}
	return QuoteIdentifier(identifier), nil
}

// ValidateIdentifiers validates multiple identifiers at once, returning the first failure.
// The map key is the human-readable identifier type used in error messages.
func ValidateIdentifiers(identifiers map[string]string) error {
	for identifierType, identifier := range identifiers {
		if err := ValidateIdentifier(identifier, identifierType); err != nil {
			return err
		}
	}
	return nil
}
