// Package keystore holds the authoritative table of key entries.
//
// Key material is sealed at rest with XChaCha20-Poly1305 under a key derived
// from the process master key, and every entry carries an HMAC-SHA-256
// checksum over its immutable metadata, its status and its sealed blob. All access to the
// table goes through View and Update, which hold the store's single mutex
// for the duration of the callback.
package keystore

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
)

const (
	// MasterKeySize is the size of the store master key.
	MasterKeySize = 32
	// ChecksumSize is the size of an entry checksum.
	ChecksumSize = sha256.Size
	// SaltSize is the size of the persisted master-key salt.
	SaltSize = 32
)

var (
	infoSeal     = []byte("field-keyguard/store/seal/v1")
	infoChecksum = []byte("field-keyguard/store/checksum/v1")
	infoMaster   = []byte("field-keyguard/store/master/v1")
)

// Store is the in-memory key table.
type Store struct {
	engine *crypto.Engine
	master *memguard.Enclave

	mu         sync.Mutex
	entries    map[string]*Entry
	current    map[Usage]string
	tombstones map[string]Tombstone
}

// New creates a store protected by master. The master buffer is moved into
// a memguard enclave and wiped.
func New(engine *crypto.Engine, master []byte) (*Store, error) {
	if engine == nil {
		return nil, keyerr.E("new store", "", keyerr.ErrNotInitialized)
	}
	if len(master) != MasterKeySize {
		return nil, keyerr.E("new store", "", fmt.Errorf("%w: master key must be %d bytes", keyerr.ErrInvalidParameters, MasterKeySize))
	}
	if crypto.IsZero(master) {
		return nil, keyerr.E("new store", "", fmt.Errorf("%w: zero master key", keyerr.ErrInvalidParameters))
	}

	return &Store{
		engine:     engine,
		master:     memguard.NewEnclave(master),
		entries:    make(map[string]*Entry),
		current:    make(map[Usage]string),
		tombstones: make(map[string]Tombstone),
	}, nil
}

// RandomMasterKey draws a fresh per-boot master key.
func RandomMasterKey(engine *crypto.Engine) ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if err := engine.GenerateRandom(key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveMasterKey derives the master key from an operator passphrase and
// the device's persisted salt.
func DeriveMasterKey(engine *crypto.Engine, passphrase, salt []byte, iterations int) ([]byte, error) {
	return engine.DeriveKey(passphrase, salt, infoMaster, iterations, MasterKeySize)
}

// View runs fn with the store locked for reading.
func (s *Store) View(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(&Tx{s: s})
}

// Update runs fn with the store locked for writing.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return fn(&Tx{s: s, writable: true})
}

// NewEntry seals material and computes the checksum for meta. It takes no
// lock and does not insert the entry.
func (s *Store) NewEntry(meta Metadata, material []byte) (*Entry, error) {
	if meta.ID == "" || len(meta.ID) > maxIDLen || !meta.Usage.Valid() {
		return nil, keyerr.E("new entry", meta.ID, keyerr.ErrInvalidParameters)
	}

	var sealed []byte
	err := s.withKey(infoSeal, func(key []byte) error {
		var err error
		sealed, err = s.engine.Seal(key, material, sealAD(meta))
		return err
	})
	if err != nil {
		return nil, keyerr.E("new entry", meta.ID, err)
	}

	e := &Entry{Meta: meta, Sealed: sealed, Encrypted: true}
	if e.Checksum, err = s.ComputeChecksum(e); err != nil {
		return nil, err
	}
	return e, nil
}

// ComputeChecksum returns the HMAC over e's immutable fields, status and
// sealed blob.
func (s *Store) ComputeChecksum(e *Entry) ([ChecksumSize]byte, error) {
	var sum [ChecksumSize]byte
	err := s.withKey(infoChecksum, func(key []byte) error {
		mac := hmac.New(sha256.New, key)
		mac.Write(checksumInput(e))
		copy(sum[:], mac.Sum(nil))
		return nil
	})
	return sum, err
}

// VerifyIntegrity checks e's checksum.
func (s *Store) VerifyIntegrity(e *Entry) error {
	sum, err := s.ComputeChecksum(e)
	if err != nil {
		return err
	}
	if !hmac.Equal(sum[:], e.Checksum[:]) {
		return keyerr.E("verify integrity", e.Meta.ID, keyerr.ErrIntegrityFailure)
	}
	return nil
}

// Snapshot encodes every entry in the versioned binary format.
func (s *Store) Snapshot() ([]byte, error) {
	var blob []byte
	err := s.View(func(tx *Tx) error {
		entries := make([]*Entry, 0, len(s.entries))
		for _, e := range s.entries {
			entries = append(entries, e)
		}
		sortEntries(entries)

		var err error
		blob, err = EncodeSnapshot(entries)
		return err
	})
	return blob, err
}

// RestoreResult summarizes a Restore. Dropped lists entries that failed
// integrity verification, Revoked those skipped because the key was revoked
// after the snapshot was taken.
type RestoreResult struct {
	Restored int
	Dropped  []string
	Revoked  []string
}

// Restore replaces the table with the entries in blob. Entries whose
// checksum does not verify are dropped, tombstoned keys stay destroyed, and
// current pointers are rebuilt from the newest ACTIVE key of each usage.
func (s *Store) Restore(blob []byte) (RestoreResult, error) {
	entries, err := DecodeSnapshot(blob)
	if err != nil {
		return RestoreResult{}, err
	}

	var res RestoreResult
	kept := make(map[string]*Entry, len(entries))
	for _, e := range entries {
		if err := s.VerifyIntegrity(e); err != nil {
			res.Dropped = append(res.Dropped, e.Meta.ID)
			crypto.SecureWipe(e.Sealed)
			continue
		}
		kept[e.Meta.ID] = e
	}

	err = s.Update(func(tx *Tx) error {
		for id, e := range kept {
			if _, revoked := s.tombstones[id]; revoked {
				res.Revoked = append(res.Revoked, id)
				crypto.SecureWipe(e.Sealed)
				delete(kept, id)
			}
		}
		sort.Strings(res.Revoked)
		res.Restored = len(kept)

		for id, e := range s.entries {
			crypto.SecureWipe(e.Sealed)
			delete(s.entries, id)
		}
		s.entries = kept
		tx.rebuildCurrent()
		return nil
	})
	return res, err
}

// Destroy wipes every entry and the master key.
func (s *Store) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, e := range s.entries {
		crypto.SecureWipe(e.Sealed)
		delete(s.entries, id)
	}
	s.current = make(map[Usage]string)
	s.master = nil
}

func (s *Store) withKey(info []byte, fn func(key []byte) error) error {
	if s.master == nil {
		return keyerr.ErrNotInitialized
	}
	buf, err := s.master.Open()
	if err != nil {
		return fmt.Errorf("%w: master key: %v", keyerr.ErrNotInitialized, err)
	}
	defer buf.Destroy()

	key := make([]byte, crypto.SealKeySize)
	defer crypto.SecureWipe(key)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, buf.Bytes(), info), key); err != nil {
		return fmt.Errorf("%w: %v", keyerr.ErrEncryptionFailure, err)
	}
	return fn(key)
}

func (s *Store) open(e *Entry) ([]byte, error) {
	var material []byte
	err := s.withKey(infoSeal, func(key []byte) error {
		var err error
		material, err = s.engine.Open(key, e.Sealed, sealAD(e.Meta))
		return err
	})
	return material, err
}

func sealAD(m Metadata) []byte {
	return append([]byte(m.ID), byte(m.Usage))
}

func sortEntries(entries []*Entry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Meta, entries[j].Meta
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.ID < b.ID
	})
}

// Tx is a locked view of the store. It is only valid inside the View or
// Update callback that produced it.
type Tx struct {
	s        *Store
	writable bool
}

func (tx *Tx) checkWritable(op string) error {
	if !tx.writable {
		return keyerr.E(op, "", fmt.Errorf("%w: read-only transaction", keyerr.ErrInvalidParameters))
	}
	return nil
}

func (tx *Tx) lookup(op, id string) (*Entry, error) {
	e, ok := tx.s.entries[id]
	if !ok {
		if _, revoked := tx.s.tombstones[id]; revoked {
			return nil, keyerr.E(op, id, keyerr.ErrKeyInvalidState)
		}
		return nil, keyerr.E(op, id, keyerr.ErrKeyNotFound)
	}
	return e, nil
}

// Get returns a verified copy of the entry.
func (tx *Tx) Get(id string) (*Entry, error) {
	e, err := tx.lookup("get", id)
	if err != nil {
		return nil, err
	}
	if err := tx.s.VerifyIntegrity(e); err != nil {
		return nil, err
	}
	return e.Clone(), nil
}

// Meta returns the entry's metadata without verifying the checksum.
func (tx *Tx) Meta(id string) (Metadata, error) {
	e, err := tx.lookup("meta", id)
	if err != nil {
		return Metadata{}, err
	}
	return e.Meta, nil
}

// Entry returns the live entry. The pointer must not outlive the
// transaction and must only be modified inside Update.
func (tx *Tx) Entry(id string) (*Entry, bool) {
	e, ok := tx.s.entries[id]
	return e, ok
}

// Unseal verifies the checksum and returns the plaintext material. The
// caller owns the returned slice and must wipe it.
func (tx *Tx) Unseal(id string) ([]byte, Metadata, error) {
	e, err := tx.lookup("unseal", id)
	if err != nil {
		return nil, Metadata{}, err
	}
	if err := tx.s.VerifyIntegrity(e); err != nil {
		return nil, Metadata{}, err
	}
	material, err := tx.s.open(e)
	if err != nil {
		return nil, Metadata{}, keyerr.E("unseal", id, err)
	}
	return material, e.Meta, nil
}

// Put inserts or replaces an entry. The checksum must already be set.
func (tx *Tx) Put(e *Entry) error {
	if err := tx.checkWritable("put"); err != nil {
		return err
	}
	if err := tx.s.VerifyIntegrity(e); err != nil {
		return err
	}
	if old, ok := tx.s.entries[e.Meta.ID]; ok && old != e {
		crypto.SecureWipe(old.Sealed)
	}
	tx.s.entries[e.Meta.ID] = e
	return nil
}

// Remove wipes the sealed material and deletes the entry. A current
// pointer referring to it is cleared.
func (tx *Tx) Remove(id string) error {
	if err := tx.checkWritable("remove"); err != nil {
		return err
	}
	e, err := tx.lookup("remove", id)
	if err != nil {
		return err
	}
	crypto.SecureWipe(e.Sealed)
	delete(tx.s.entries, id)
	if tx.s.current[e.Meta.Usage] == id {
		delete(tx.s.current, e.Meta.Usage)
	}
	return nil
}

// SetStatus changes an entry's status and reseals its checksum. An entry
// that no longer verifies is left untouched.
func (tx *Tx) SetStatus(id string, status Status) error {
	if err := tx.checkWritable("set status"); err != nil {
		return err
	}
	e, err := tx.lookup("set status", id)
	if err != nil {
		return err
	}
	if err := tx.s.VerifyIntegrity(e); err != nil {
		return err
	}
	prev := e.Meta.Status
	e.Meta.Status = status
	sum, err := tx.s.ComputeChecksum(e)
	if err != nil {
		e.Meta.Status = prev
		return keyerr.E("set status", id, err)
	}
	e.Checksum = sum
	if status != StatusActive && tx.s.current[e.Meta.Usage] == id {
		delete(tx.s.current, e.Meta.Usage)
	}
	return nil
}

// IncrementUsage bumps the usage counter and returns the new value.
func (tx *Tx) IncrementUsage(id string) (uint64, error) {
	if err := tx.checkWritable("increment usage"); err != nil {
		return 0, err
	}
	e, err := tx.lookup("increment usage", id)
	if err != nil {
		return 0, err
	}
	e.Meta.UsageCount++
	return e.Meta.UsageCount, nil
}

// List returns metadata of entries accepted by filter, oldest first.
// A nil filter accepts everything.
func (tx *Tx) List(filter func(Metadata) bool) []Metadata {
	entries := make([]*Entry, 0, len(tx.s.entries))
	for _, e := range tx.s.entries {
		if filter == nil || filter(e.Meta) {
			entries = append(entries, e)
		}
	}
	sortEntries(entries)

	out := make([]Metadata, len(entries))
	for i, e := range entries {
		out[i] = e.Meta
	}
	return out
}

// Len returns the number of entries.
func (tx *Tx) Len() int {
	return len(tx.s.entries)
}

// Current returns the ID serving new requests for usage.
func (tx *Tx) Current(u Usage) (string, bool) {
	id, ok := tx.s.current[u]
	return id, ok
}

// SetCurrent points usage at id, which must be an ACTIVE entry of that usage.
func (tx *Tx) SetCurrent(u Usage, id string) error {
	if err := tx.checkWritable("set current"); err != nil {
		return err
	}
	e, err := tx.lookup("set current", id)
	if err != nil {
		return err
	}
	if e.Meta.Usage != u || e.Meta.Status != StatusActive {
		return keyerr.E("set current", id, keyerr.ErrKeyInvalidState)
	}
	tx.s.current[u] = id
	return nil
}

// AddTombstone records a destroyed key.
func (tx *Tx) AddTombstone(id, reason string, at time.Time) error {
	if err := tx.checkWritable("tombstone"); err != nil {
		return err
	}
	tx.s.tombstones[id] = Tombstone{ID: id, Reason: reason, RevokedAt: at}
	return nil
}

// Tombstone returns the tombstone for id.
func (tx *Tx) Tombstone(id string) (Tombstone, bool) {
	t, ok := tx.s.tombstones[id]
	return t, ok
}

// Counts returns the number of entries per status.
func (tx *Tx) Counts() map[Status]int {
	counts := make(map[Status]int, len(Statuses))
	for _, e := range tx.s.entries {
		counts[e.Meta.Status]++
	}
	return counts
}

func (tx *Tx) rebuildCurrent() {
	best := make(map[Usage]*Entry)
	for _, e := range tx.s.entries {
		if e.Meta.Status != StatusActive {
			continue
		}
		cur, ok := best[e.Meta.Usage]
		if !ok || e.Meta.CreatedAt.After(cur.Meta.CreatedAt) ||
			(e.Meta.CreatedAt.Equal(cur.Meta.CreatedAt) && e.Meta.Version > cur.Meta.Version) {
			best[e.Meta.Usage] = e
		}
	}

	tx.s.current = make(map[Usage]string, len(best))
	for u, e := range best {
		tx.s.current[u] = e.Meta.ID
	}
}
