// Package config loads the counter service configuration from a YAML file,
// fills in defaults and validates backend connection settings.
package config
