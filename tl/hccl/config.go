// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hccl

import (
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/gomlx/collectives/tl"
	"github.com/pkg/errors"
)

// SyncType selects how the completion of a collective is detected.
type SyncType string

const (
	// SyncEvent records an event on the stream after the collective, and queries it.
	SyncEvent SyncType = "event"

	// SyncMemOps makes the stream write a word in device-visible memory after the collective.
	SyncMemOps SyncType = "memops"

	// SyncAuto uses SyncMemOps if the library supports it, SyncEvent otherwise.
	SyncAuto SyncType = "auto"
)

// Environment variables that override the configuration file.
const (
	EnvSync     = "TL_HCCL_SYNC"
	EnvBlocking = "TL_HCCL_BLOCKING"
	EnvLazyInit = "TL_HCCL_LAZY_INIT"
	EnvMaxTasks = "TL_HCCL_MAX_TASKS"

	// EnvConfigFile points to a TOML file with a ContextConfig.
	EnvConfigFile = "TL_HCCL_CONFIG_FILE"
)

// ContextConfig holds the configuration of a Context. It is copied at context creation.
type ContextConfig struct {
	// Sync selects the completion detector.
	Sync SyncType `toml:"sync"`

	// Blocking makes communicator creation wait for all ranks. If false, team creation polls it.
	Blocking bool `toml:"blocking"`

	// LazyInit postpones the creation of the communicator to the first collective of the team.
	LazyInit bool `toml:"lazy_init"`

	// MaxTasks caps the number of collective tasks alive at the same time. 0 is unlimited.
	MaxTasks int `toml:"max_tasks"`

	// ScratchSize preallocates the scratch buffer used by the buffer-copy collectives, in bytes.
	// 0 allocates on demand.
	ScratchSize int `toml:"scratch_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() ContextConfig {
	return ContextConfig{
		Sync:     SyncAuto,
		Blocking: false,
		LazyInit: true,
	}
}

// Validate checks the values of the configuration.
func (c *ContextConfig) Validate() error {
	switch c.Sync {
	case SyncEvent, SyncMemOps, SyncAuto:
	default:
		return tl.Errorf(tl.ErrInvalidParam, "hccl: invalid sync type %q, valid values are %q, %q and %q",
			c.Sync, SyncEvent, SyncMemOps, SyncAuto)
	}
	if c.MaxTasks < 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: invalid max_tasks %d", c.MaxTasks)
	}
	if c.ScratchSize < 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: invalid scratch_size %d", c.ScratchSize)
	}
	return nil
}

// LoadConfigFile decodes a TOML file over the current values of the configuration.
// Keys not present in the file keep their values.
func (c *ContextConfig) LoadConfigFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return errors.Wrapf(err, "hccl: failed to load configuration file %q", path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: unknown keys %v in configuration file %q", undecoded, path)
	}
	return nil
}

// Set assigns one configuration key. Keys are the same as the TOML file's.
func (c *ContextConfig) Set(key, value string) error {
	var err error
	switch strings.ToLower(strings.TrimSpace(key)) {
	case "sync":
		c.Sync = SyncType(strings.ToLower(value))
	case "blocking":
		c.Blocking, err = strconv.ParseBool(value)
	case "lazy_init", "lazy":
		c.LazyInit, err = strconv.ParseBool(value)
	case "max_tasks":
		c.MaxTasks, err = strconv.Atoi(value)
	case "scratch_size":
		c.ScratchSize, err = strconv.Atoi(value)
	default:
		return tl.Errorf(tl.ErrInvalidParam, "hccl: unknown configuration option %q", key)
	}
	if err != nil {
		return tl.Errorf(tl.ErrInvalidParam, "hccl: invalid value %q for configuration option %q: %v", value, key, err)
	}
	return nil
}

// ApplyEnv overrides the configuration with the TL_HCCL_* environment variables that are set.
func (c *ContextConfig) ApplyEnv() error {
	for key, envVar := range map[string]string{
		"sync":      EnvSync,
		"blocking":  EnvBlocking,
		"lazy_init": EnvLazyInit,
		"max_tasks": EnvMaxTasks,
	} {
		value, found := os.LookupEnv(envVar)
		if !found {
			continue
		}
		if err := c.Set(key, value); err != nil {
			return errors.WithMessagef(err, "environment variable %s", envVar)
		}
	}
	return nil
}

// ApplyString parses a configuration string like "sync=event,blocking=1,lazy_init=0".
// A key without value ("blocking") is set to true.
func (c *ContextConfig) ApplyString(config string) error {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			value = "true"
		}
		if err := c.Set(key, strings.TrimSpace(value)); err != nil {
			return err
		}
	}
	return nil
}

// ParseConfig builds the configuration of a context: the defaults are overridden by the file pointed by
// TL_HCCL_CONFIG_FILE, then by the TL_HCCL_* environment variables, and finally by the config string.
func ParseConfig(config string) (ContextConfig, error) {
	cfg := DefaultConfig()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.LoadConfigFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	if err := cfg.ApplyString(config); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
