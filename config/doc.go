// Package config loads dualvm settings from defaults, an optional YAML file
// and DUALVM_ environment variables, in increasing order of precedence.
//
//	cfg, err := config.Load("dualvm.yaml")
//	if err != nil {
//		return err
//	}
//	caps := cfg.CapabilityConfig()
//
// Nested keys map to environment variables by upper-casing them and
// replacing dots with underscores: memory.det_pages becomes
// DUALVM_MEMORY_DET_PAGES.
package config
