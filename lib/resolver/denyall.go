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

import "context"

// DenyAllDriver rejects every query, for a resolver node configured to
// never perform outbound DNS (spec.md §4.3 "deny_all").
type DenyAllDriver struct{}

// Query implements Driver.
func (DenyAllDriver) Query(ctx context.Context, name string, family Family) (*ResolvedSet, *ResolveError) {
	return nil, &ResolveError{Kind: Refused, Name: name}
}
