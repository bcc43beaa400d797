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

// Package cmd holds implementations of the ptgen commands.
package cmd

import (
	"x86pt.dev/x86pt/pkg/log"
	"x86pt.dev/x86pt/pkg/pagetables"
	"x86pt.dev/x86pt/ptgen/config"
)

// buildTables loads the mappings file at path and inserts every mapping
// into new page tables.
func buildTables(path string) (*pagetables.PageTables, error) {
	ms, err := config.LoadMappings(path)
	if err != nil {
		return nil, err
	}
	pt := pagetables.New()
	config.Apply(pt, ms)
	for _, m := range ms {
		log.Debugf("Mapped %v", m)
	}
	log.Infof("Loaded %d regions from %q, %d table pages", len(ms), path, pt.NodeCount())
	return pt, nil
}

// releaseImage releases image, logging failures.
func releaseImage(image *pagetables.Image) {
	if err := image.Release(); err != nil {
		log.Warningf("Releasing page table image: %v", err)
	}
}
