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
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"
	"x86pt.dev/x86pt/pkg/log"
)

// RetryAllocator retries transient allocation failures of the wrapped
// allocator with exponential backoff. EAGAIN and ENOMEM are transient; any
// other error is returned immediately.
type RetryAllocator struct {
	Allocator

	// MaxRetries bounds the number of retries per page.
	MaxRetries uint64

	// InitialInterval is the first backoff interval.
	InitialInterval time.Duration

	logger log.Logger
}

// NewRetryAllocator wraps a.
func NewRetryAllocator(a Allocator, maxRetries uint64, initial time.Duration) *RetryAllocator {
	return &RetryAllocator{
		Allocator:       a,
		MaxRetries:      maxRetries,
		InitialInterval: initial,
		logger:          log.BasicRateLimitedLogger(time.Second),
	}
}

// transient returns true if err may go away on retry.
func transient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.ENOMEM)
}

// NewPage implements Allocator.NewPage.
func (r *RetryAllocator) NewPage() (*Page, error) {
	b := backoff.NewExponentialBackOff()
	if r.InitialInterval > 0 {
		b.InitialInterval = r.InitialInterval
	}
	b.MaxElapsedTime = 0

	var page *Page
	op := func() error {
		p, err := r.Allocator.NewPage()
		if err == nil {
			page = p
			return nil
		}
		if !transient(err) {
			return backoff.Permanent(err)
		}
		if r.logger != nil {
			r.logger.Warningf("Page table page allocation failed, retrying: %v", err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(b, r.MaxRetries)); err != nil {
		return nil, err
	}
	return page, nil
}
