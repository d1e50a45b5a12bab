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

package user

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/gravitational/trace"
)

// record is the on-disk/JSON wire shape of one dynamic user (spec.md §6:
// "dynamic-user cache file (JSON array of user records)").
type record struct {
	Name   string    `json:"name"`
	Token  string    `json:"token"`
	Expire time.Time `json:"expire"`
}

// FileSource loads dynamic users from a JSON file on disk, the simplest of
// the file/lua/python/http dynamic sources named in spec.md §4.5. Every
// successful Fetch also refreshes the on-disk cache file so that the next
// process start-up can seed from it before the first live fetch succeeds.
type FileSource struct {
	// SourcePath is read on every Fetch.
	SourcePath string
	// CachePath is written on success and read as a start-up seed.
	CachePath string
}

// Fetch implements Source.
func (f *FileSource) Fetch(ctx context.Context) ([]*User, error) {
	data, err := os.ReadFile(f.SourcePath)
	if err != nil {
		return nil, trace.Wrap(err, "reading dynamic user source %q", f.SourcePath)
	}
	users, err := decodeRecords(data)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if f.CachePath != "" {
		if werr := os.WriteFile(f.CachePath, data, 0o600); werr != nil {
			// A cache-write failure does not invalidate a successful fetch;
			// only the start-up seeding path is degraded.
			return users, nil
		}
	}
	return users, nil
}

// SeedFromCache loads the last good set persisted at CachePath, for use
// before the first successful Fetch (spec.md §4.5: "a local cache file
// persists the last good set to disk; on start-up the cache seeds the
// group before the first successful fetch").
func (f *FileSource) SeedFromCache() ([]*User, error) {
	if f.CachePath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(f.CachePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return decodeRecords(data)
}

func decodeRecords(data []byte) ([]*User, error) {
	var recs []record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, trace.Wrap(err, "decoding dynamic user records")
	}
	users := make([]*User, 0, len(recs))
	for _, r := range recs {
		users = append(users, &User{
			Name:       r.Name,
			Credential: Credential{Kind: "crypt", Hash: r.Token},
			ExpireAt:   r.Expire,
		})
	}
	return users, nil
}
