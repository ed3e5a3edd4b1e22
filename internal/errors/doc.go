// Package errors defines error types for the keel coordination core.
//
// This package provides sentinel errors for flag-style failure conditions and
// structured error types for failures that carry data. All error types support
// error unwrapping and can be checked using errors.Is and errors.As.
package errors
