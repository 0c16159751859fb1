////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Lattica Foundation                                        //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file.                                                              //
////////////////////////////////////////////////////////////////////////////////

// Package backupstate stores the server-side key backup this client is
// tracking: which version it writes to and, when known, the private backup
// key that can read it back.
package backupstate

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/lattica/client-e2ee/storage/versioned"
)

const (
	storePrefix   = "keyBackup"
	storeVersion  = 0
	versionRecord = "Version"
	keyRecord     = "BackupKey"
)

// VersionInfo describes one backup version on the server.
type VersionInfo struct {
	Version   string          `json:"version"`
	Algorithm string          `json:"algorithm"`
	AuthData  json.RawMessage `json:"auth_data"`
	Count     int             `json:"count"`
	Etag      string          `json:"etag"`
}

type backupKeyRecord struct {
	// Key is the private backup key.
	Key []byte `json:"key"`
	// Version is the backup version the key was last checked against.
	Version string `json:"version"`
}

// Store tracks the active backup version and key. All methods are safe for
// concurrent use.
type Store struct {
	mux     sync.RWMutex
	kv      *versioned.KV
	version *VersionInfo
	key     *backupKeyRecord
}

// NewStore creates or loads the backup state under the given KV.
func NewStore(kv *versioned.KV) (*Store, error) {
	s := &Store{kv: kv.Prefix(storePrefix)}

	if obj, err := s.kv.Get(versionRecord, storeVersion); err == nil {
		vi := VersionInfo{}
		if err = json.Unmarshal(obj.Data, &vi); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt backup version record")
		}
		s.version = &vi
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load backup version record")
	}

	if obj, err := s.kv.Get(keyRecord, storeVersion); err == nil {
		rec := backupKeyRecord{}
		if err = json.Unmarshal(obj.Data, &rec); err != nil {
			return nil, errors.WithMessage(err,
				"corrupt backup key record")
		}
		s.key = &rec
	} else if s.kv.Exists(err) {
		return nil, errors.WithMessage(err,
			"failed to load backup key record")
	}

	return s, nil
}

// SetVersion records the backup version this client writes to.
func (s *Store) SetVersion(vi VersionInfo) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	data, err := json.Marshal(&vi)
	if err != nil {
		return errors.WithMessage(err,
			"failed to marshal backup version")
	}
	err = s.kv.Set(versionRecord, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
	if err != nil {
		return err
	}
	s.version = &vi
	return nil
}

// Version returns the tracked backup version, or false when none is set.
func (s *Store) Version() (VersionInfo, bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.version == nil {
		return VersionInfo{}, false
	}
	return *s.version, true
}

// ClearVersion forgets the tracked version, e.g. after the server reports it
// deleted. The backup key is cleared with it since it belonged to that
// version.
func (s *Store) ClearVersion() error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if err := s.kv.Delete(versionRecord, storeVersion); err != nil {
		return err
	}
	if s.key != nil {
		if err := s.kv.Delete(keyRecord, storeVersion); err != nil {
			return err
		}
		s.key = nil
	}
	s.version = nil
	return nil
}

// SetBackupKey stores the private backup key, recording which version it was
// verified against.
func (s *Store) SetBackupKey(key []byte, version string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	rec := backupKeyRecord{Key: append([]byte(nil), key...),
		Version: version}
	data, err := json.Marshal(&rec)
	if err != nil {
		return errors.WithMessage(err, "failed to marshal backup key")
	}
	err = s.kv.Set(keyRecord, &versioned.Object{
		Version:   storeVersion,
		Timestamp: netTime.Now(),
		Data:      data,
	})
	if err != nil {
		return err
	}
	s.key = &rec
	return nil
}

// BackupKey returns the stored private backup key and the version it was
// checked against, or false when none is held.
func (s *Store) BackupKey() (key []byte, version string, ok bool) {
	s.mux.RLock()
	defer s.mux.RUnlock()
	if s.key == nil {
		return nil, "", false
	}
	return append([]byte(nil), s.key.Key...), s.key.Version, true
}
