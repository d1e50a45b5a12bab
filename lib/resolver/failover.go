/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package resolver

import (
	"context"
	"time"
)

// FailOverConfig configures a FailOverDriver (spec.md §4.3 "fail_over",
// selection rules).
type FailOverConfig struct {
	Primary  Driver
	Standby  Driver
	Timeout  time.Duration
}

func (c *FailOverConfig) checkAndSetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 100 * time.Millisecond
	}
}

// FailOverDriver runs a primary driver and, on timeout, races a standby,
// applying the selection rules of spec.md §4.3 in order:
//  1. primary success before Timeout wins;
//  2. first success (primary or standby) after Timeout wins;
//  3. no success -> return the latest error.
type FailOverDriver struct {
	cfg FailOverConfig
}

// NewFailOverDriver creates a FailOverDriver.
func NewFailOverDriver(cfg FailOverConfig) *FailOverDriver {
	cfg.checkAndSetDefaults()
	return &FailOverDriver{cfg: cfg}
}

type driverResult struct {
	source string
	set    *ResolvedSet
	err    *ResolveError
}

// Query implements Driver.
func (d *FailOverDriver) Query(ctx context.Context, name string, family Family) (*ResolvedSet, *ResolveError) {
	results := make(chan driverResult, 2)
	pending := 0

	go func() {
		set, err := d.cfg.Primary.Query(ctx, name, family)
		results <- driverResult{"primary", set, err}
	}()
	pending++

	timer := time.NewTimer(d.cfg.Timeout)
	defer timer.Stop()

	var lastErr *ResolveError

	select {
	case r := <-results:
		pending--
		if r.err == nil {
			return r.set, nil
		}
		lastErr = r.err
	case <-timer.C:
		// Primary has not answered within the window; start the standby
		// and race whichever answers first.
	case <-ctx.Done():
		return nil, &ResolveError{Kind: Timeout, Name: name, Err: ctx.Err()}
	}

	go func() {
		set, err := d.cfg.Standby.Query(ctx, name, family)
		results <- driverResult{"standby", set, err}
	}()
	pending++

	for pending > 0 {
		select {
		case r := <-results:
			pending--
			if r.err == nil {
				return r.set, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, &ResolveError{Kind: Timeout, Name: name, Err: ctx.Err()}
		}
	}
	return nil, lastErr
}
