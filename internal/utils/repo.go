package utils

import (
	"fmt"
	"strings"
)

// SplitRepoFullName splits an "owner/name" repository identifier into its
// components.
func SplitRepoFullName(fullName string) (owner, name string, err error) {
	parts := strings.Split(strings.Trim(fullName, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository name %q, want owner/name", fullName)
	}
	return parts[0], parts[1], nil
}

// IsValidRepoFullName reports whether fullName is a well-formed "owner/name"
// identifier.
func IsValidRepoFullName(fullName string) bool {
	_, _, err := SplitRepoFullName(fullName)
	return err == nil
}
