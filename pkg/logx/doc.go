// Package logx configures taskpulse's structured logging.
//
// Components take a logx.Logger (a small value type on top of zerolog) so that:
//   - Console output stays readable (short timestamp + short caller)
//   - File output is JSON-structured
//   - Level and sinks can be swapped at runtime via Service.Apply
package logx
