// Package types defines the core protocol types shared across mcpflow.
// This package has ZERO dependencies on other mcpflow packages to avoid
// circular imports. All other packages should import types from here.
package types
