// Package logx is a thin value-type Logger over zerolog.
//
// Loggers derived from a Service follow its hot-reloaded sinks: a readable
// console, an optional JSON file, and an optional operator chat that receives
// rate-limited WARN+ lines through a transport.TextSender.
package logx
