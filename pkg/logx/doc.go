// Package logx configures feedbot's structured logging.
//
// It wraps zerolog with a small Logger type so components can:
//   - write readable console lines (short timestamp + short caller)
//   - keep the optional file sink JSON-structured
//   - mirror warnings to a chat channel (min-level + rate limiting)
package logx
