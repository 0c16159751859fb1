////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"encoding/base64"
	"io"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

// Registry hands out one Store per (user, device), opening each backing KV
// at most once. An empty base directory selects in-memory storage, used by
// tests and ephemeral clients.
type Registry struct {
	mux     sync.Mutex
	baseDir string
	stores  map[string]*Store
}

// NewRegistry creates a registry rooted at baseDir.
func NewRegistry(baseDir string) *Registry {
	return &Registry{
		baseDir: baseDir,
		stores:  make(map[string]*Store),
	}
}

// Open returns the store for the given identity, creating it with a fresh
// account on first open. The password encrypts the on-disk KV; it is
// ignored for in-memory registries.
func (r *Registry) Open(userID, deviceID, password string, rng io.Reader) (
	*Store, error) {
	r.mux.Lock()
	defer r.mux.Unlock()

	key := userID + "|" + deviceID
	if s, ok := r.stores[key]; ok {
		return s, nil
	}

	var kvData ekv.KeyValue
	if r.baseDir == "" {
		kvData = ekv.MakeMemstore()
	} else {
		// Identities contain characters that are unsafe in paths, so
		// the directory name is the encoded identity.
		dir := filepath.Join(r.baseDir,
			base64.RawURLEncoding.EncodeToString([]byte(key)))
		fs, err := ekv.NewFilestore(dir, password)
		if err != nil {
			return nil, errors.WithMessagef(err,
				"failed to open key store at %s", dir)
		}
		kvData = fs
	}
	kv := versioned.NewKV(kvData)

	s, err := Load(kv)
	if err != nil {
		if err.Error() != storeMissingErr {
			return nil, err
		}
		jww.INFO.Printf("No crypto store for %s; initializing", key)
		if s, err = Init(kv, userID, deviceID, rng); err != nil {
			return nil, err
		}
	}
	r.stores[key] = s
	return s, nil
}

// Close drops the cached store for the identity. The next Open reloads it
// from the backing KV.
func (r *Registry) Close(userID, deviceID string) {
	r.mux.Lock()
	defer r.mux.Unlock()
	delete(r.stores, userID+"|"+deviceID)
}
