// Package config loads relay configuration from YAML files.
//
// Files are checked in two passes: the raw document is unified with an
// embedded CUE schema (field names, enums, duration syntax), then decoded
// strictly into Config and checked for cross-field constraints. Defaults
// come from Default, so every field is optional.
package config
