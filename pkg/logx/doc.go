// Package logx configures castbot's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional admin-chat sink for WARN+ lines (min-level + rate limiting)
package logx
