// Package llm defines the capabilities the generation pipeline needs from a
// language model: streaming code generation and security auditing. Provider
// adapters live in subpackages.
package llm
