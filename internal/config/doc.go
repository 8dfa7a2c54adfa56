// Package config loads objgraph configuration from YAML or TOML files and
// owns the process-wide default store directory.
package config
