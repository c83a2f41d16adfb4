// Package config loads the service configuration from YAML, fills defaults,
// applies environment overrides for secrets and validates every section.
package config
