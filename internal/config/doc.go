// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation, so secrets such as the server password or database password
// can stay out of the file. Only upstream.host and identity.nick are required.
package config
