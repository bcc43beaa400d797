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

package pagetables

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sys/unix"
	"x86pt.dev/x86pt/pkg/hostarch"
	"x86pt.dev/x86pt/pkg/log"
)

func TestRuntimeAllocator(t *testing.T) {
	page, err := NewRuntimeAllocator().NewPage()
	if err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	if len(page.Data) != hostarch.PageSize {
		t.Errorf("page has %d bytes", len(page.Data))
	}
	page.setEntry(511, 0x1234_5001)
	if got := page.Entry(511); got != 0x1234_5001 {
		t.Errorf("Entry(511) = %#x", uint64(got))
	}
	if got := page.Data[511*8]; got != 0x01 {
		t.Errorf("entry not little-endian: low byte %#x", got)
	}
	if err := page.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestMmapAllocator(t *testing.T) {
	pt := New()
	pt.Insert(0x4141_0000, 0x8181_0000, Present|Writable)
	image, err := pt.Commit(NewMmapAllocator())
	if err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got, want := image.Len(), 4; got != want {
		t.Errorf("Len() = %d, want %d", got, want)
	}
	if addr, ok := image.Translate(0x4141_0010, hostarch.Write); !ok || addr != 0x8181_0010 {
		t.Errorf("Translate = %v, %t, want 0x81810010, true", addr, ok)
	}
	if err := image.Release(); err != nil {
		t.Errorf("Release failed: %v", err)
	}
}

func TestLimitAllocator(t *testing.T) {
	a := &LimitAllocator{Allocator: NewRuntimeAllocator(), Limit: 3}
	for i := 0; i < 3; i++ {
		if _, err := a.NewPage(); err != nil {
			t.Fatalf("NewPage %d failed: %v", i, err)
		}
	}
	if _, err := a.NewPage(); !errors.Is(err, ErrPageLimit) {
		t.Errorf("NewPage past limit = %v, want %v", err, ErrPageLimit)
	}
}

// flakyAllocator fails with the queued errors before succeeding.
type flakyAllocator struct {
	errs  []error
	calls int
}

func (f *flakyAllocator) NewPage() (*Page, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return &Page{Data: make([]byte, hostarch.PageSize)}, nil
}

func TestRetryAllocator(t *testing.T) {
	boom := errors.New("boom")
	for _, tc := range []struct {
		name       string
		errs       []error
		maxRetries uint64
		wantErr    error
		wantCalls  int
	}{
		{
			name:      "success",
			wantCalls: 1,
		},
		{
			name:       "transient",
			errs:       []error{unix.ENOMEM, unix.EAGAIN},
			maxRetries: 5,
			wantCalls:  3,
		},
		{
			name:       "permanent",
			errs:       []error{boom},
			maxRetries: 5,
			wantErr:    boom,
			wantCalls:  1,
		},
		{
			name:       "exhausted",
			errs:       []error{unix.EAGAIN, unix.EAGAIN, unix.EAGAIN, unix.EAGAIN},
			maxRetries: 2,
			wantErr:    unix.EAGAIN,
			wantCalls:  3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			flaky := &flakyAllocator{errs: tc.errs}
			r := NewRetryAllocator(flaky, tc.maxRetries, time.Millisecond)
			page, err := r.NewPage()
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("NewPage() error = %v, want %v", err, tc.wantErr)
			}
			if tc.wantErr == nil && page == nil {
				t.Errorf("NewPage() returned no page")
			}
			if flaky.calls != tc.wantCalls {
				t.Errorf("allocator called %d times, want %d", flaky.calls, tc.wantCalls)
			}
		})
	}
}

type recordingEmitter struct {
	messages []string
}

func (e *recordingEmitter) Emit(_ int, _ log.Level, _ time.Time, format string, v ...any) {
	e.messages = append(e.messages, fmt.Sprintf(format, v...))
}

func TestRetryAllocatorLogs(t *testing.T) {
	var emitter recordingEmitter
	flaky := &flakyAllocator{errs: []error{unix.ENOMEM}}
	r := &RetryAllocator{
		Allocator:       flaky,
		MaxRetries:      1,
		InitialInterval: time.Millisecond,
		logger:          &log.BasicLogger{Level: log.Info, Emitter: &emitter},
	}
	if _, err := r.NewPage(); err != nil {
		t.Fatalf("NewPage failed: %v", err)
	}
	if len(emitter.messages) != 1 {
		t.Errorf("got %d log messages, want 1: %q", len(emitter.messages), emitter.messages)
	}
}
