// Context management configuration re-exports.
//
// DESIGN: Context management config is defined in internal/preemptive/types.go.
// This file re-exports those types for use by the main Config struct.
package config

import "github.com/compresr/kiro-gateway/internal/preemptive"

// ContextConfig is an alias for preemptive.Config for use in main Config struct.
type ContextConfig = preemptive.Config
