// Package graph provides types and functions for parsing, validating,
// and working with weave node-graph documents.
//
// Documents are declarative node/edge definitions encoded as JSON,
// describing the static shape a host builder (see examples/filenode)
// resolves dynamically through the engine. This package implements
// strict validation phases:
//
//   - Parse: JSON decoding, encoding validation, and unknown field rejection
//   - Schema: Required fields and types
//   - Structural: DAG validation, duplicate IDs, dangling edges
//   - Semantic: Version compatibility, logic rules
//
// All validation errors are categorized into distinct error types
// that can be checked programmatically using errors.Is().
package graph
