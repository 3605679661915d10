// Package types holds values shared by every stat-update component.
package types //nolint:revive // types is a valid package name

// Version is the stat-update release version reported by the CLI and the
// process logger.
const Version = "1.0.0"

// ServiceName identifies the process in logs and metrics.
const ServiceName = "stat-update"
