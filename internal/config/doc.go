// Package config loads relay configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as the journal password can stay out of the file.
package config
