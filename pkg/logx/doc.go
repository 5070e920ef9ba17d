// Package logx configures fanout's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - Sinks/levels hot-swappable via Service.Apply() without replacing
//     loggers already handed out to services
package logx
