//go:build tools
// +build tools

// Package tools declares Go tool dependencies, pinned so `go mod tidy` doesn't prune
// them.
package tools

import (
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/stringer"
)
