// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// Leveled logging with per module.method verbose filters.
package logging

import (
	"log"
	"os"
	"strings"
	"sync"
)

var (
	mu             sync.RWMutex
	verbose        bool
	verboseAll     bool
	verboseFilters map[string]bool
)

// SetVerbose configures which modules emit debug output.
// Examples:
//   - "" or "false": disable all verbose logging
//   - "1", "true" or "all": enable all verbose logging
//   - "memstore,loader": enable verbose for the memstore and loader modules
//   - "loader.fetch,session": enable one loader method and all of session
//
// Typically called early in main() with the VERBOSE setting:
//
//	logging.SetVerbose(cfg.Verbose)
func SetVerbose(verboseStr string) {
	mu.Lock()
	defer mu.Unlock()

	verboseFilters = make(map[string]bool)
	verboseAll = false
	verbose = false

	verboseStr = strings.TrimSpace(verboseStr)
	switch verboseStr {
	case "", "0", "false":
		return
	case "1", "true", "all":
		verbose = true
		verboseAll = true
		return
	}

	for _, filter := range strings.Split(verboseStr, ",") {
		filter = strings.TrimSpace(filter)
		if filter != "" {
			verboseFilters[filter] = true
			verbose = true
		}
	}
}

// IsVerbose checks if verbose logging is enabled for a specific module or method
func IsVerbose(module string, method string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !verbose {
		return false
	}
	if verboseAll {
		return true
	}
	if method != "" && verboseFilters[module+"."+method] {
		return true
	}
	return verboseFilters[module]
}

// DebugMethod logs debug messages for a specific module.method (only in verbose mode)
func DebugMethod(module string, method string, format string, v ...interface{}) {
	if IsVerbose(module, method) {
		log.Printf("[DEBUG] "+module+"."+method+": "+format, v...)
	}
}

// Info logs informational messages (always shown)
func Info(format string, v ...interface{}) {
	log.Printf("[INFO] "+format, v...)
}

// Warn logs warning messages (always shown)
func Warn(format string, v ...interface{}) {
	log.Printf("[WARN] "+format, v...)
}

// Error logs error messages (always shown)
func Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}

// Fatal logs error messages and exits with status code 1
func Fatal(format string, v ...interface{}) {
	log.Printf("[FATAL] "+format, v...)
	os.Exit(1)
}

// Logger is bound to one module so call sites only name the method.
type Logger struct {
	module string
}

// For returns a Logger for module.
func For(module string) Logger {
	return Logger{module: module}
}

// Module returns the module name the logger is bound to.
func (l Logger) Module() string { return l.module }

func (l Logger) Debug(method string, format string, v ...interface{}) {
	DebugMethod(l.module, method, format, v...)
}

func (l Logger) Info(format string, v ...interface{}) {
	Info("["+l.module+"] "+format, v...)
}

func (l Logger) Warn(format string, v ...interface{}) {
	Warn("["+l.module+"] "+format, v...)
}

func (l Logger) Error(format string, v ...interface{}) {
	Error("["+l.module+"] "+format, v...)
}
