// Copyright 2023 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pgm

import (
	"errors"
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"gvisor.dev/pgm/pkg/hostarch"
	"gvisor.dev/pgm/pkg/log"
	"gvisor.dev/pgm/pkg/pgm/handler"
	"gvisor.dev/pgm/pkg/pgm/handy"
	"gvisor.dev/pgm/pkg/pgm/page"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid PGM configuration")

// RangeConfig describes one guest-physical range created at startup.
type RangeConfig struct {
	Start       uint64 `toml:"start"`
	Size        uint64 `toml:"size"`
	Type        string `toml:"type"`
	Description string `toml:"description"`
}

// Config is the configuration of a VM's PGM.
type Config struct {
	// MaxHandlers is the capacity of the handler registry.
	MaxHandlers int `toml:"max_handlers"`

	// MaxHandlerTypes is the size of the handler type table.
	MaxHandlerTypes int `toml:"max_handler_types"`

	// HandyPages is the size of the handy page pool.
	HandyPages int `toml:"handy_pages"`

	// LargePages enables large page allocation.
	LargePages          bool          `toml:"large_pages"`
	LargePageSlow       time.Duration `toml:"large_page_slow"`
	LargePageDisable    time.Duration `toml:"large_page_disable"`
	LargePageBackoff    time.Duration `toml:"large_page_backoff"`
	LargePageBackoffMax time.Duration `toml:"large_page_backoff_max"`

	// MaxPhysAddrWidth is the host physical address width in bits.
	MaxPhysAddrWidth uint `toml:"max_phys_addr_width"`

	EPTExecuteOnly   bool `toml:"ept_execute_only"`
	EPTConvertibleVE bool `toml:"ept_convertible_ve"`

	// LogLevel is one of "warning", "info" or "debug".
	LogLevel string `toml:"log_level"`

	RAM []RangeConfig `toml:"ram"`
}

// DefaultConfig returns the default configuration, without any RAM.
func DefaultConfig() *Config {
	lp := handy.DefaultLargePageConfig()
	return &Config{
		MaxHandlers:         4096,
		MaxHandlerTypes:     32,
		HandyPages:          128,
		LargePages:          true,
		LargePageSlow:       lp.Slow,
		LargePageDisable:    lp.Disable,
		LargePageBackoff:    lp.Backoff,
		LargePageBackoffMax: lp.BackoffMax,
		MaxPhysAddrWidth:    48,
		EPTExecuteOnly:      true,
		LogLevel:            "info",
	}
}

// LoadConfig reads a TOML configuration file. Keys missing from the file
// keep their defaults; unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("%w: unknown keys %v in %s", ErrInvalidConfig, undecoded, path)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks c for consistency.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, v ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, v...))
		}
	}
	check(c.MaxHandlers > 0 && c.MaxHandlers <= handler.MaxRegistrations, "max_handlers %d must be in [1, %d]", c.MaxHandlers, handler.MaxRegistrations)
	check(c.MaxHandlerTypes > 0 && c.MaxHandlerTypes <= handler.MaxTypes, "max_handler_types %d must be in [1, %d]", c.MaxHandlerTypes, handler.MaxTypes)
	check(c.HandyPages > 0, "handy_pages %d must be positive", c.HandyPages)
	check(c.LargePageSlow > 0 && c.LargePageSlow <= c.LargePageDisable, "large_page_slow %v must be positive and at most large_page_disable %v", c.LargePageSlow, c.LargePageDisable)
	check(c.LargePageBackoff > 0 && c.LargePageBackoff <= c.LargePageBackoffMax, "large_page_backoff %v must be positive and at most large_page_backoff_max %v", c.LargePageBackoff, c.LargePageBackoffMax)
	check(c.MaxPhysAddrWidth >= 32 && c.MaxPhysAddrWidth <= 52, "max_phys_addr_width %d must be in [32, 52]", c.MaxPhysAddrWidth)
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for i, r := range c.RAM {
		if _, err := page.ParseType(r.Type); err != nil {
			errs = append(errs, fmt.Errorf("ram[%d]: %w", i, err))
		}
		check(r.Size > 0 && hostarch.IsPageAligned(r.Start) && hostarch.IsPageAligned(r.Size) && r.Start+r.Size-1 >= r.Start,
			"ram[%d]: range at %#x of size %#x must be page aligned, non-empty and not wrap", i, r.Start, r.Size)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// largePageConfig returns the large page thresholds of c.
func (c *Config) largePageConfig() handy.LargePageConfig {
	return handy.LargePageConfig{
		Slow:       c.LargePageSlow,
		Disable:    c.LargePageDisable,
		Backoff:    c.LargePageBackoff,
		BackoffMax: c.LargePageBackoffMax,
	}
}
