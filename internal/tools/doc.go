// Package tools provides host helpers shared by the release and notify
// adapters.
//
// Ownership boundary:
// - command execution helpers
package tools
