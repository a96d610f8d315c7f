// Package parse splits submitted command lines into argv slices.
package parse

import "strings"

// isSep reports whether r separates command words. Only the four blank
// characters below split; no shell metacharacters are honoured.
func isSep(r rune) bool {
	return r == ' ' || r == '\t' || r == '\r' || r == '\n'
}

// Split breaks a command line into argv. The first element is the
// executable name. Runs of separators collapse; an empty or all-blank line
// yields a nil slice.
func Split(line string) []string {
	return strings.FieldsFunc(line, isSep)
}
