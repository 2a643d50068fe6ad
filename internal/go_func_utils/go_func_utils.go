// Package go_func_utils makes goroutine panics visible in the log. The
// dashboard owns the terminal, so a trace printed to stderr would be lost.
package go_func_utils

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine. A panic is logged with its stack and
// then re-raised.
func SafeGo(logger *log.Logger, fn func()) {
	go Run(logger, fn)
}

// Run calls fn on the current goroutine with the same panic logging as SafeGo
func Run(logger *log.Logger, fn func()) {
	defer logPanic(logger)
	fn()
}

func logPanic(logger *log.Logger) {
	if r := recover(); r != nil {
		logger.Printf("PANIC: %v\n%s", r, debug.Stack())
		panic(r)
	}
}
