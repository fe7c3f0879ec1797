// Package config loads the harness's YAML configuration file into a plain
// map and exposes colon-delimited path lookups into it, the way the
// teacher's own config.go does for its server list.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// Config is the parsed document. Nil until Load succeeds.
var Config map[interface{}]interface{}

// Load reads and parses the YAML file at path into Config.
func Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	Config = make(map[interface{}]interface{})
	if err := yaml.Unmarshal(data, &Config); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// GetKey resolves a colon-delimited path (e.g. "netplay:input_delay") into
// Config, returning nil if any segment along the way is missing.
func GetKey(key string) interface{} {
	keys := strings.Split(key, ":")
	c := Config
	for i := 0; i < len(keys)-1; i++ {
		next, ok := c[keys[i]].(map[interface{}]interface{})
		if !ok {
			return nil
		}
		c = next
	}
	return c[keys[len(keys)-1]]
}

// String resolves key and returns it as a string, or def if the key is
// absent or not a string.
func String(key, def string) string {
	v, ok := GetKey(key).(string)
	if !ok {
		return def
	}
	return v
}

// Int resolves key and returns it as an int, or def if the key is absent or
// not a number. yaml.v2 decodes unsuffixed integers into Go's int.
func Int(key string, def int) int {
	v, ok := GetKey(key).(int)
	if !ok {
		return def
	}
	return v
}

// Bool resolves key and returns it as a bool, or def if the key is absent
// or not a boolean.
func Bool(key string, def bool) bool {
	v, ok := GetKey(key).(bool)
	if !ok {
		return def
	}
	return v
}
