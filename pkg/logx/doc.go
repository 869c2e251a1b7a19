// Package logx is envfleet's logging layer on top of zerolog.
//
// Console lines are short and human readable, the optional file sink is JSON,
// and warnings can be forwarded to an operator channel (the Telegram
// notifier) under a rate limit.
package logx
