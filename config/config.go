// Package config holds the daemon settings, read from yaml and reloadable at
// runtime. Keys are dotted paths into the yaml tree, slave.queue_size for
// example.
package config

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"dario.cat/mergo"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

// C is a loaded configuration. Getters are safe to call while a reload is in
// progress.
type C struct {
	l    *logrus.Logger
	path string

	mu       sync.RWMutex
	settings map[string]any
	previous map[string]any

	reloadLock sync.Mutex
	callbacks  []func(*C)
}

func NewC(l *logrus.Logger) *C {
	return &C{
		l:        l,
		settings: make(map[string]any),
	}
}

// Load reads path, a yaml file or a directory of them, and replaces the
// current settings. Documents of a directory are merged in lexical order, a
// later document overrides scalars of an earlier one and extends its lists.
func (c *C) Load(path string) error {
	raw, err := ReadConfigFiles(path)
	if err != nil {
		return err
	}

	m, err := merge(raw)
	if err != nil {
		return err
	}

	c.path = path
	c.replace(m)
	return nil
}

// LoadString replaces the current settings with the yaml document raw.
func (c *C) LoadString(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("empty configuration")
	}

	m, err := merge([]string{raw})
	if err != nil {
		return err
	}
	c.replace(m)
	return nil
}

// Dump renders the current settings as yaml.
func (c *C) Dump() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return yaml.Marshal(c.settings)
}

// RegisterReloadCallback adds f to the functions run after every successful
// reload. Callbacks run in the reloading goroutine and should use Changed to
// skip work when their section stayed the same.
func (c *C) RegisterReloadCallback(f func(*C)) {
	c.reloadLock.Lock()
	c.callbacks = append(c.callbacks, f)
	c.reloadLock.Unlock()
}

// Changed reports whether the value at k differs between the settings before
// and after the last reload. An empty k compares everything. Before the first
// reload nothing has changed.
func (c *C) Changed(k string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.previous == nil {
		return false
	}

	nv, ov := any(c.settings), any(c.previous)
	if k != "" {
		nv, ov = lookup(c.settings, k), lookup(c.previous, k)
	}

	nb, err := yaml.Marshal(nv)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling new config")
	}
	ob, err := yaml.Marshal(ov)
	if err != nil {
		c.l.WithField("config_path", k).WithError(err).Error("Error while marshaling old config")
	}
	return string(nb) != string(ob)
}

// CatchHUP reloads the files given to Load whenever the process receives
// SIGHUP, until ctx is done. It returns right away.
func (c *C) CatchHUP(ctx context.Context) {
	if c.path == "" {
		return
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)

	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				c.l.Info("Caught HUP, reloading config")
				if err := c.Reload(); err != nil {
					c.l.WithField("config_path", c.path).WithError(err).Error("Error occurred while reloading config")
				}
			}
		}
	}()
}

// Reload reads the files given to Load again and runs the reload callbacks.
// The current settings are kept if reading fails.
func (c *C) Reload() error {
	if c.path == "" {
		return errors.New("configuration was not loaded from a file")
	}
	return c.reload(func() (map[string]any, error) {
		raw, err := ReadConfigFiles(c.path)
		if err != nil {
			return nil, err
		}
		return merge(raw)
	})
}

// ReloadString is Reload with the yaml document raw as the new settings.
func (c *C) ReloadString(raw string) error {
	return c.reload(func() (map[string]any, error) {
		return merge([]string{raw})
	})
}

func (c *C) reload(read func() (map[string]any, error)) error {
	c.reloadLock.Lock()
	defer c.reloadLock.Unlock()

	m, err := read()
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.previous = c.settings
	c.settings = m
	c.mu.Unlock()

	for _, f := range c.callbacks {
		f(c)
	}
	return nil
}

func (c *C) replace(m map[string]any) {
	c.mu.Lock()
	c.settings = m
	c.mu.Unlock()
}

// Get returns the raw value at k, nil if any part of the path is missing.
func (c *C) Get(k string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lookup(c.settings, k)
}

// GetString returns k formatted as a string, or d if k is not set.
func (c *C) GetString(k, d string) string {
	r := c.Get(k)
	if r == nil {
		return d
	}
	return fmt.Sprint(r)
}

// GetStringSlice returns the list at k with every element formatted as a
// string, or d if k is not a list.
func (c *C) GetStringSlice(k string, d []string) []string {
	rv, ok := c.Get(k).([]any)
	if !ok {
		return d
	}

	v := make([]string, len(rv))
	for i, e := range rv {
		v[i] = fmt.Sprint(e)
	}
	return v
}

// GetInt returns k as an int, or d if k is not set or not a number.
func (c *C) GetInt(k string, d int) int {
	v, err := strconv.Atoi(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

// GetUint32 is GetInt for values that must fit an uint32.
func (c *C) GetUint32(k string, d uint32) uint32 {
	v, err := strconv.ParseInt(c.GetString(k, ""), 10, 64)
	if err != nil || v < 0 || v > math.MaxUint32 {
		return d
	}
	return uint32(v)
}

// GetRegister returns a register file offset for k or the default d if not
// set. Offsets may be written as numbers or strings with any Go integer
// prefix, 0x38 is the usual form. Offsets at or past size are an error.
func (c *C) GetRegister(k string, d uint8, size int) (uint8, error) {
	r := c.Get(k)
	if r == nil {
		return d, nil
	}

	v, err := strconv.ParseUint(strings.TrimSpace(fmt.Sprint(r)), 0, 8)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid register %v: %w", k, r, err)
	}
	if int(v) >= size {
		return 0, fmt.Errorf("%s: register 0x%02x is outside of the %d byte register file", k, v, size)
	}
	return uint8(v), nil
}

// GetBool returns k as a bool, or d if k is not set or not a boolean. yes,
// y, no and n are accepted in any case.
func (c *C) GetBool(k string, d bool) bool {
	r := strings.ToLower(c.GetString(k, ""))
	switch r {
	case "y", "yes":
		return true
	case "n", "no":
		return false
	}

	v, err := strconv.ParseBool(r)
	if err != nil {
		return d
	}
	return v
}

// GetDuration returns k parsed by [time.ParseDuration], or d if k is not set
// or invalid.
func (c *C) GetDuration(k string, d time.Duration) time.Duration {
	v, err := time.ParseDuration(c.GetString(k, ""))
	if err != nil {
		return d
	}
	return v
}

func lookup(v any, k string) any {
	for _, p := range strings.Split(k, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil
		}
		if v, ok = m[p]; !ok {
			return nil
		}
	}
	return v
}

// merge decodes the yaml documents in raw and merges them, later documents
// win.
func merge(raw []string) (map[string]any, error) {
	var m map[string]any
	for _, r := range raw {
		var nm map[string]any
		if err := yaml.Unmarshal([]byte(r), &nm); err != nil {
			return nil, err
		}
		if err := mergo.Merge(&nm, m, mergo.WithAppendSlice); err != nil {
			return nil, err
		}
		m = nm
	}

	if m == nil {
		m = make(map[string]any)
	}
	return m, nil
}
