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

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/pkg/pagetables"
)

// Number is an integer in a mappings file. It may be written as an integer
// or as a string in any base accepted by strconv.ParseUint, e.g. "0x1000".
type Number uint64

// ParseNumber parses s as a Number. Underscores between digits are allowed.
func ParseNumber(s string) (Number, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Number(v), nil
}

// UnmarshalTOML implements toml.Unmarshaler.
func (n *Number) UnmarshalTOML(v any) error {
	switch v := v.(type) {
	case int64:
		if v < 0 {
			return fmt.Errorf("invalid number %d: must not be negative", v)
		}
		*n = Number(v)
		return nil
	case string:
		parsed, err := ParseNumber(v)
		if err != nil {
			return err
		}
		*n = parsed
		return nil
	default:
		return fmt.Errorf("invalid number %v: unexpected type %T", v, v)
	}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a number", value.Line)
	}
	parsed, err := ParseNumber(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*n = parsed
	return nil
}

// Region is one entry of a mappings file.
type Region struct {
	VAddr Number   `toml:"vaddr" yaml:"vaddr"`
	PAddr Number   `toml:"paddr" yaml:"paddr"`
	Size  Number   `toml:"size" yaml:"size"`
	Flags []string `toml:"flags" yaml:"flags"`
}

// file is the top level of a mappings file.
//
// In TOML every region is a [[region]] table; in YAML the regions are a list
// under "regions".
type file struct {
	Regions []Region `toml:"region" yaml:"regions"`
}

// Mapping is a validated region.
type Mapping struct {
	VAddr  hostarch.Addr
	PAddr  hostarch.Addr
	Length uint64
	Flags  pagetables.Flags
}

// String implements fmt.Stringer.String.
func (m Mapping) String() string {
	return fmt.Sprintf("%v-%v -> %v (%v)", m.VAddr, m.VAddr+hostarch.Addr(m.Length), m.PAddr, m.Flags)
}

// maxPhysAddr is one past the highest physical address an entry can encode.
const maxPhysAddr = hostarch.Addr(1) << 52

// Mapping validates r.
func (r *Region) Mapping() (Mapping, error) {
	m := Mapping{
		VAddr:  hostarch.Addr(r.VAddr),
		PAddr:  hostarch.Addr(r.PAddr),
		Length: uint64(r.Size),
	}
	if !m.VAddr.IsPageAligned() {
		return Mapping{}, fmt.Errorf("vaddr %v is not page aligned", m.VAddr)
	}
	if !m.PAddr.IsPageAligned() {
		return Mapping{}, fmt.Errorf("paddr %v is not page aligned", m.PAddr)
	}
	if m.Length == 0 {
		return Mapping{}, errors.New("size must not be zero")
	}
	if _, ok := m.VAddr.AddLength(m.Length); !ok {
		return Mapping{}, fmt.Errorf("vaddr %v + size %#x overflows", m.VAddr, m.Length)
	}
	end, ok := m.PAddr.AddLength(m.Length)
	if !ok {
		return Mapping{}, fmt.Errorf("paddr %v + size %#x overflows", m.PAddr, m.Length)
	}
	if end > maxPhysAddr {
		return Mapping{}, fmt.Errorf("paddr %v + size %#x exceeds the 52-bit physical address space", m.PAddr, m.Length)
	}
	flags, err := pagetables.ParseFlags(r.Flags...)
	if err != nil {
		return Mapping{}, err
	}
	m.Flags = flags
	return m, nil
}

// LoadMappings reads the mappings file at path. The format is chosen by
// extension: ".toml", ".yaml" or ".yml".
func LoadMappings(path string) ([]Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading mappings: %w", err)
	}
	ms, err := DecodeMappings(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ms, nil
}

// DecodeMappings decodes mappings in the format named by ext, which
// includes the leading dot.
func DecodeMappings(data []byte, ext string) ([]Mapping, error) {
	var f file
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown keys %v", undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown mappings format %q, must be .toml, .yaml or .yml", ext)
	}

	ms := make([]Mapping, 0, len(f.Regions))
	for i := range f.Regions {
		m, err := f.Regions[i].Mapping()
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		ms = append(ms, m)
	}
	return ms, nil
}

// Apply inserts every mapping into pt, in order.
func Apply(pt *pagetables.PageTables, ms []Mapping) {
	for _, m := range ms {
		pt.InsertRange(m.VAddr, m.PAddr, m.Length, m.Flags)
	}
}
