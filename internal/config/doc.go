// Package config loads the key/value properties that drive proxy selection,
// address caching and transport limits.
//
// Values come from an ini file (default section), NETSOCK_* environment
// variables and programmatic overrides such as --property flags.
package config
