// Package logx provides a small structured logging façade over zerolog.
//
// Services hold a Logger value; the backing Service can swap sinks and
// levels at runtime without invalidating held loggers.
package logx
