// Package config loads docpipe settings from an optional YAML file and
// DOCPIPE_* environment variables with viper, and validates them with
// go-playground/validator before any component is built.
package config
