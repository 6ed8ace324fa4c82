// Package logx is a thin structured-logging layer over zerolog.
//
// It exists so the rest of the codebase can log through a stable,
// minimal API while sinks and levels stay reconfigurable at runtime
// (console and file outputs can be swapped by Service.Apply without
// touching any Logger handle already in use).
package logx
