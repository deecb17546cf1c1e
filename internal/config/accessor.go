package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// tree is the config as generic JSON, keyed by the json field names.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// step descends one path segment into a map or, by index, a list.
func step(node any, key string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		child, ok := v[key]
		if !ok {
			return nil, fmt.Errorf("unknown key %q", key)
		}
		return child, nil
	case []any:
		i, err := strconv.Atoi(key)
		if err != nil || i < 0 || i >= len(v) {
			return nil, fmt.Errorf("index %q out of range (%d entries)", key, len(v))
		}
		return v[i], nil
	default:
		return nil, fmt.Errorf("%q is below a %T value", key, node)
	}
}

// GetByPath returns the value at a dot path such as "server.port" or
// "uplinks.0.url".
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	var node any = m
	for _, key := range strings.Split(path, ".") {
		if node, err = step(node, key); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return node, nil
}

// SetByPath replaces the value at an existing dot path. raw is converted to
// the type already stored there, so "server.port" only takes integers.
func SetByPath(cfg *Config, path string, raw string) error {
	m, err := tree(cfg)
	if err != nil {
		return err
	}
	keys := strings.Split(path, ".")
	var parent any = m
	for _, key := range keys[:len(keys)-1] {
		if parent, err = step(parent, key); err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	last := keys[len(keys)-1]
	current, err := step(parent, last)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	value, err := convert(current, raw)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	switch p := parent.(type) {
	case map[string]any:
		p[last] = value
	case []any:
		i, _ := strconv.Atoi(last)
		p[i] = value
	}

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, cfg)
}

func convert(current any, raw string) (any, error) {
	switch current.(type) {
	case bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("want true or false, got %q", raw)
		}
		return b, nil
	case float64:
		n, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("want a number, got %q", raw)
		}
		return n, nil
	case string:
		return raw, nil
	default:
		return nil, fmt.Errorf("cannot set a %T value from the command line", current)
	}
}

// Sanitize returns a copy of the config with credentials in uplink URLs
// masked.
func Sanitize(cfg *Config) *Config {
	safe := *cfg
	safe.Uplinks = make([]UplinkEntry, len(cfg.Uplinks))
	for i, u := range cfg.Uplinks {
		safe.Uplinks[i] = UplinkEntry{Topic: u.Topic, URL: maskURL(u.URL)}
	}
	safe.Worker.URL = maskURL(cfg.Worker.URL)
	return &safe
}

// maskURL hides the password of a URL carrying user info.
func maskURL(s string) string {
	u, err := url.Parse(s)
	if err != nil || u.User == nil {
		return s
	}
	return u.Redacted()
}

// ListPaths returns every leaf path of the config with its value. List
// entries appear under their index, as in "uplinks.0.topic".
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	collect("", m, out)
	return out
}

// SortedPaths returns the keys of ListPaths in order.
func SortedPaths(paths map[string]any) []string {
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func collect(prefix string, node any, out map[string]any) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			collect(join(k), child, out)
		}
	case []any:
		for i, child := range v {
			collect(join(strconv.Itoa(i)), child, out)
		}
	default:
		out[prefix] = v
	}
}
