////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package versioned wraps an ekv.KeyValue with per-object format versions and
// hierarchical key prefixes. Every durable entity in the E2EE core is stored
// through this package.
package versioned

import (
	"fmt"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
)

// PrefixSeparator delimits nested store prefixes within a key.
const PrefixSeparator = "/"

// Upgrade functions convert an object from an older on-disk format to the
// next version up.
type Upgrade func(oldObject *Object) (*Object, error)

// UpgradeTable pairs the current version of an object type with the chain of
// upgrades that reach it.
type UpgradeTable struct {
	CurrentVersion uint64
	Table          []Upgrade
}

type root struct {
	data ekv.KeyValue
}

// KV stores versioned objects under a prefix hierarchy.
type KV struct {
	r      *root
	prefix string
}

// NewKV creates a versioned key/value store backed by anything implementing
// ekv.KeyValue.
func NewKV(data ekv.KeyValue) *KV {
	return &KV{r: &root{data: data}}
}

// Get retrieves the object stored under key at the given version.
func (v *KV) Get(key string, version uint64) (*Object, error) {
	fullKey := v.makeKey(key, version)
	result := Object{}
	if err := v.r.data.Get(fullKey, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetAndUpgrade retrieves the newest stored version of an object and runs it
// through the upgrade table until it reaches the current version.
func (v *KV) GetAndUpgrade(key string, ut UpgradeTable) (*Object, error) {
	if uint64(len(ut.Table)) != ut.CurrentVersion {
		jww.FATAL.Panicf("Cannot get and upgrade %s: table length (%d) "+
			"does not match current version (%d)", key, len(ut.Table),
			ut.CurrentVersion)
	}

	var result *Object
	version := ut.CurrentVersion + 1
	for version != 0 {
		version--
		result = &Object{}
		if err := v.r.data.Get(v.makeKey(key, version), result); err == nil {
			break
		}
	}
	if result == nil || len(result.Data) == 0 {
		return nil, errors.Errorf("failed to get any version of %s up "+
			"to %d", key, ut.CurrentVersion)
	}

	for result.Version < ut.CurrentVersion {
		oldVersion := result.Version
		var err error
		result, err = ut.Table[oldVersion](result)
		if err != nil || result.Version == oldVersion {
			jww.FATAL.Panicf("Failed to upgrade %s from version %d: "+
				"%+v", key, oldVersion, err)
		}
	}
	return result, nil
}

// Set upserts an object under key; the object's own Version field selects the
// stored version slot.
func (v *KV) Set(key string, object *Object) error {
	return v.r.data.Set(v.makeKey(key, object.Version), object)
}

// Delete removes the object stored under key at the given version.
func (v *KV) Delete(key string, version uint64) error {
	return v.r.data.Delete(v.makeKey(key, version))
}

// Prefix returns a new KV that nests all keys one level deeper.
func (v *KV) Prefix(prefix string) *KV {
	return &KV{
		r:      v.r,
		prefix: v.prefix + prefix + PrefixSeparator,
	}
}

// GetPrefix returns the accumulated prefix of the KV.
func (v *KV) GetPrefix() string {
	return v.prefix
}

// GetFullKey returns the key with all prefixes and the version suffix
// applied.
func (v *KV) GetFullKey(key string, version uint64) string {
	return v.makeKey(key, version)
}

// IsMemStore returns true when the KV is backed by an in-memory store.
func (v *KV) IsMemStore() bool {
	_, ok := v.r.data.(*ekv.Memstore)
	return ok
}

// Exists returns false if the error indicates the element doesn't exist.
func (v *KV) Exists(err error) bool {
	return ekv.Exists(err)
}

func (v *KV) makeKey(key string, version uint64) string {
	return fmt.Sprintf("%s%s_%d", v.prefix, key, version)
}
