// Copyright 2024 The gVisor Authors.
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

// Package config provides basic infrastructure to set configuration settings
// for ptgen. Each setting that can be changed from the command line must have
// a corresponding field in Config, tagged with the name of its flag.
package config

import (
	"fmt"
	"reflect"
	"time"

	"x86pt.dev/x86pt/pkg/log"
	"x86pt.dev/x86pt/pkg/pagetables"
)

// Config holds configuration that is not part of the mappings themselves.
type Config struct {
	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// AlsoLogToStderr allows to send log messages to stderr.
	AlsoLogToStderr bool `flag:"alsologtostderr"`

	// PageAllocator selects where table pages are allocated during commit.
	PageAllocator AllocatorType `flag:"allocator"`

	// AllocRetries is the number of times a transient page allocation
	// failure is retried. Zero disables retries.
	AllocRetries uint64 `flag:"alloc-retries"`

	// AllocBackoff is the first interval between allocation retries.
	AllocBackoff time.Duration `flag:"alloc-backoff"`

	// MaxPages limits the number of table pages a commit may allocate. Zero
	// means no limit.
	MaxPages int `flag:"max-pages"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if c.MaxPages < 0 {
		return fmt.Errorf("max-pages must be non-negative, got %d", c.MaxPages)
	}
	if c.AllocBackoff < 0 {
		return fmt.Errorf("alloc-backoff must be non-negative, got %v", c.AllocBackoff)
	}
	return nil
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config:")
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		if name, ok := f.Tag.Lookup("flag"); ok {
			log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
		}
	}
}

// Allocator returns the page allocator described by the configuration: the
// base allocator, wrapped to retry transient failures and to enforce the
// page limit as configured.
func (c *Config) Allocator() pagetables.Allocator {
	var a pagetables.Allocator
	switch c.PageAllocator {
	case AllocatorMmap:
		a = pagetables.NewMmapAllocator()
	default:
		a = pagetables.NewRuntimeAllocator()
	}
	if c.AllocRetries > 0 {
		a = pagetables.NewRetryAllocator(a, c.AllocRetries, c.AllocBackoff)
	}
	if c.MaxPages > 0 {
		a = &pagetables.LimitAllocator{Allocator: a, Limit: c.MaxPages}
	}
	return a
}

// AllocatorType tells which allocator provides table pages.
type AllocatorType int

const (
	// AllocatorRuntime allocates pages from the Go heap.
	AllocatorRuntime AllocatorType = iota

	// AllocatorMmap maps every page anonymously.
	AllocatorMmap
)

func allocatorTypePtr(v AllocatorType) *AllocatorType {
	return &v
}

// Set implements flag.Value.
func (a *AllocatorType) Set(v string) error {
	switch v {
	case "runtime":
		*a = AllocatorRuntime
	case "mmap":
		*a = AllocatorMmap
	default:
		return fmt.Errorf("invalid allocator type %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (a *AllocatorType) Get() any {
	return *a
}

// String implements flag.Value.
func (a AllocatorType) String() string {
	switch a {
	case AllocatorRuntime:
		return "runtime"
	case AllocatorMmap:
		return "mmap"
	}
	panic(fmt.Sprintf("Invalid allocator type %d", a))
}
