package config

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Config holds the runtime configuration as sections of key/value pairs:
// one "global" section plus one section per chart id. Every read registers
// the default used, so Dump can render the effective configuration, not
// just the keys present in the file.
type Config struct {
	mtx      sync.Mutex
	sections map[string]*section
	order    []string
}

type section struct {
	values map[string]string
	order  []string
}

// New returns an empty configuration.
func New() *Config {
	return &Config{
		sections: map[string]*section{},
	}
}

// Load reads a yaml file of sections, expanding ${ENV} references first.
// A missing file is not an error: everything falls back to defaults.
func Load(filename string) (*Config, error) {
	c := New()

	buf, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", filename)
	}

	expanded, err := envsubst.EvalEnv(string(buf))
	if err != nil {
		return nil, errors.Wrapf(err, "expand config %s", filename)
	}

	raw := yaml.MapSlice{}
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", filename)
	}

	c.mtx.Lock()
	defer c.mtx.Unlock()
	for _, item := range raw {
		name, ok := item.Key.(string)
		if !ok {
			continue
		}
		values, ok := item.Value.(yaml.MapSlice)
		if !ok {
			continue
		}
		s := c.sectionLocked(name)
		for _, kv := range values {
			key, ok := kv.Key.(string)
			if !ok {
				continue
			}
			s.setLocked(key, scalarString(kv.Value))
		}
	}

	return c, nil
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case nil:
		return ""
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

func (c *Config) sectionLocked(name string) *section {
	s, ok := c.sections[name]
	if !ok {
		s = &section{values: map[string]string{}}
		c.sections[name] = s
		c.order = append(c.order, name)
	}
	return s
}

func (s *section) setLocked(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.order = append(s.order, key)
	}
	s.values[key] = value
}

// Get returns the value of key in section, registering def as the
// effective value when the key is absent. File values win over defaults.
func (c *Config) Get(sectionName, key, def string) string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	s := c.sectionLocked(sectionName)
	if v, ok := s.values[key]; ok {
		return v
	}
	s.setLocked(key, def)
	return def
}

// Set overrides the value of key in section.
func (c *Config) Set(sectionName, key, value string) string {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	c.sectionLocked(sectionName).setLocked(key, value)
	return value
}

// GetNumber is Get for integer values. Unparsable file values fall back
// to the default.
func (c *Config) GetNumber(sectionName, key string, def int64) int64 {
	v := c.Get(sectionName, key, strconv.FormatInt(def, 10))
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// SetNumber overrides key in section with an integer value.
func (c *Config) SetNumber(sectionName, key string, value int64) int64 {
	c.Set(sectionName, key, strconv.FormatInt(value, 10))
	return value
}

// GetBoolean is Get for yes/no values.
func (c *Config) GetBoolean(sectionName, key string, def bool) bool {
	d := "no"
	if def {
		d = "yes"
	}
	v := strings.ToLower(strings.TrimSpace(c.Get(sectionName, key, d)))
	switch v {
	case "yes", "true", "on", "auto", "1":
		return true
	}
	return false
}

// Dump renders the effective configuration: every section and key that has
// been read or set, with the values currently in force.
func (c *Config) Dump() []byte {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	out := yaml.MapSlice{}
	names := make([]string, len(c.order))
	copy(names, c.order)

	// global always renders first, the chart sections in creation order
	sort.SliceStable(names, func(i, j int) bool {
		return names[i] == "global" && names[j] != "global"
	})

	for _, name := range names {
		s := c.sections[name]
		values := yaml.MapSlice{}
		for _, key := range s.order {
			values = append(values, yaml.MapItem{Key: key, Value: s.values[key]})
		}
		out = append(out, yaml.MapItem{Key: name, Value: values})
	}

	buf, err := yaml.Marshal(out)
	if err != nil {
		return nil
	}
	return buf
}
