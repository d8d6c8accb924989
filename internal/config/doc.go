// Package config loads the facilitator daemon configuration from a JSON file,
// fills defaults and resolves secrets from the environment.
package config
