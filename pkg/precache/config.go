package precache

import (
	"errors"
	"fmt"
	"strings"
)

// Config is the whole configuration surface of a worker: the cache name
// and the ordered list of urls added to it on install. Changing the name
// is the only way to get a fresh cache; the old one is left untouched.
type Config struct {
	CacheName string   `yaml:"name"`
	URLs      []string `yaml:"urls"`
}

func (c *Config) Validate() error {
	if len(c.CacheName) == 0 {
		return errors.New("empty cache name")
	}
	if strings.IndexByte(c.CacheName, 0) >= 0 {
		return errors.New("cache name contains NUL")
	}
	for i, u := range c.URLs {
		if len(strings.TrimSpace(u)) == 0 {
			return fmt.Errorf("url #%d is empty", i)
		}
	}
	return nil
}
