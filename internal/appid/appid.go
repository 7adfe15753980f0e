// Package appid holds the compiled-in application identity.
package appid

import "strings"

// Identity names the binary and its config/env surfaces.
type Identity struct {
	BinaryName  string
	ConfigName  string
	EnvPrefix   string
	Vendor      string
	Description string
}

var current = Identity{
	BinaryName:  "datahub",
	ConfigName:  "datahub",
	EnvPrefix:   "DATAHUB",
	Vendor:      "cryptowealth",
	Description: "Rate-limited, cached access to crypto market data APIs",
}

// Get returns the application identity.
func Get() Identity {
	return current
}

// EnvVar returns the prefixed environment variable name for key.
func (i Identity) EnvVar(key string) string {
	prefix := strings.TrimSuffix(i.EnvPrefix, "_")
	key = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(key), ".", "_"))
	if prefix == "" {
		return key
	}
	return prefix + "_" + key
}
