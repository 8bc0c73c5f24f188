package keystore

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/entropy"
	"github.com/kenneth/field-keyguard/internal/keyerr"
)

func newTestStore(t *testing.T) (*Store, *crypto.Engine) {
	t.Helper()
	engine, err := crypto.NewEngine(entropy.NewSystem(), crypto.DefaultOptions())
	require.NoError(t, err)
	master, err := RandomMasterKey(engine)
	require.NoError(t, err)
	s, err := New(engine, master)
	require.NoError(t, err)
	assert.True(t, crypto.IsZero(master), "master key buffer must be wiped")
	return s, engine
}

func testMeta(usage Usage, created time.Time) Metadata {
	return Metadata{
		ID:               uuid.NewString(),
		Family:           uuid.New(),
		Version:          1,
		Usage:            usage,
		Status:           StatusActive,
		Level:            crypto.LevelHigh,
		CreatedAt:        created,
		ExpiresAt:        created.Add(30 * 24 * time.Hour),
		RotationInterval: 7 * 24 * time.Hour,
		MaxUsage:         100000,
		Algorithm:        crypto.AlgorithmAES256GCM,
	}
}

func putKey(t *testing.T, s *Store, meta Metadata, material []byte) *Entry {
	t.Helper()
	e, err := s.NewEntry(meta, material)
	require.NoError(t, err)
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.Put(e) }))
	return e
}

func TestNew_InvalidMaster(t *testing.T) {
	engine, err := crypto.NewEngine(entropy.NewSystem(), crypto.DefaultOptions())
	require.NoError(t, err)

	_, err = New(engine, make([]byte, 16))
	assert.ErrorIs(t, err, keyerr.ErrInvalidParameters)
	_, err = New(engine, make([]byte, MasterKeySize))
	assert.ErrorIs(t, err, keyerr.ErrInvalidParameters)
	_, err = New(nil, bytes.Repeat([]byte{1}, MasterKeySize))
	assert.ErrorIs(t, err, keyerr.ErrNotInitialized)
}

func TestPutGetUnseal(t *testing.T) {
	s, _ := newTestStore(t)
	material := bytes.Repeat([]byte{0x42}, 80)
	meta := testMeta(UsageDataEncryption, time.Now())
	e := putKey(t, s, meta, material)

	assert.True(t, e.Encrypted)
	assert.NotContains(t, string(e.Sealed), string(material))

	err := s.View(func(tx *Tx) error {
		got, err := tx.Get(meta.ID)
		require.NoError(t, err)
		assert.Equal(t, meta.ID, got.Meta.ID)

		// Get returns a copy.
		got.Sealed[0] ^= 0xFF
		live, _ := tx.Entry(meta.ID)
		assert.NotEqual(t, got.Sealed[0], live.Sealed[0])

		plain, m, err := tx.Unseal(meta.ID)
		require.NoError(t, err)
		defer crypto.SecureWipe(plain)
		assert.Equal(t, material, plain)
		assert.Equal(t, meta.Usage, m.Usage)
		return nil
	})
	require.NoError(t, err)
}

func TestGet_Missing(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.View(func(tx *Tx) error {
		_, err := tx.Get("nope")
		return err
	})
	assert.ErrorIs(t, err, keyerr.ErrKeyNotFound)
}

func TestIntegrity_CorruptedMaterial(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageDataEncryption, time.Now())
	putKey(t, s, meta, []byte("0123456789abcdef0123456789abcdef"))

	require.NoError(t, s.Update(func(tx *Tx) error {
		e, ok := tx.Entry(meta.ID)
		require.True(t, ok)
		e.Sealed[len(e.Sealed)/2] ^= 0x01
		return nil
	}))

	err := s.View(func(tx *Tx) error {
		_, err := tx.Get(meta.ID)
		return err
	})
	assert.ErrorIs(t, err, keyerr.ErrIntegrityFailure)

	err = s.View(func(tx *Tx) error {
		_, _, err := tx.Unseal(meta.ID)
		return err
	})
	assert.ErrorIs(t, err, keyerr.ErrIntegrityFailure)
}

func TestIntegrity_MetadataDrift(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageSignature, time.Now())
	putKey(t, s, meta, []byte("sig-material-sig-material-sig-ma"))

	// SetStatus reseals the checksum; the usage count is not covered.
	require.NoError(t, s.Update(func(tx *Tx) error {
		if err := tx.SetStatus(meta.ID, StatusDeprecated); err != nil {
			return err
		}
		_, err := tx.IncrementUsage(meta.ID)
		return err
	}))
	require.NoError(t, s.View(func(tx *Tx) error {
		_, err := tx.Get(meta.ID)
		return err
	}))

	// A status written behind SetStatus's back is detected.
	require.NoError(t, s.Update(func(tx *Tx) error {
		e, _ := tx.Entry(meta.ID)
		e.Meta.Status = StatusActive
		return nil
	}))
	err := s.View(func(tx *Tx) error {
		_, err := tx.Get(meta.ID)
		return err
	})
	assert.ErrorIs(t, err, keyerr.ErrIntegrityFailure)
	err = s.Update(func(tx *Tx) error { return tx.SetStatus(meta.ID, StatusRevoked) })
	assert.ErrorIs(t, err, keyerr.ErrIntegrityFailure, "a drifted entry is not resealed")

	// Expiry is covered.
	require.NoError(t, s.Update(func(tx *Tx) error {
		e, _ := tx.Entry(meta.ID)
		e.Meta.Status = StatusDeprecated
		return nil
	}))
	require.NoError(t, s.Update(func(tx *Tx) error {
		e, _ := tx.Entry(meta.ID)
		e.Meta.ExpiresAt = e.Meta.ExpiresAt.Add(time.Hour)
		return nil
	}))
	err = s.View(func(tx *Tx) error {
		_, err := tx.Get(meta.ID)
		return err
	})
	assert.ErrorIs(t, err, keyerr.ErrIntegrityFailure)
}

func TestRemove_WipesMaterial(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageDataEncryption, time.Now())
	e := putKey(t, s, meta, []byte("material-material-material-mater"))
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.SetCurrent(meta.Usage, meta.ID) }))

	sealed := e.Sealed
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.Remove(meta.ID) }))

	assert.True(t, crypto.IsZero(sealed))
	require.NoError(t, s.View(func(tx *Tx) error {
		_, ok := tx.Current(meta.Usage)
		assert.False(t, ok)
		assert.Equal(t, 0, tx.Len())
		return nil
	}))
}

func TestTombstone(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageDataEncryption, time.Now())
	putKey(t, s, meta, []byte("material-material-material-mater"))

	require.NoError(t, s.Update(func(tx *Tx) error {
		if err := tx.Remove(meta.ID); err != nil {
			return err
		}
		return tx.AddTombstone(meta.ID, "lost device", time.Now())
	}))

	err := s.View(func(tx *Tx) error {
		_, err := tx.Get(meta.ID)
		return err
	})
	assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)
}

func TestReadOnlyTx(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageDataEncryption, time.Now())
	e, err := s.NewEntry(meta, []byte("x"))
	require.NoError(t, err)

	err = s.View(func(tx *Tx) error { return tx.Put(e) })
	assert.ErrorIs(t, err, keyerr.ErrInvalidParameters)
}

func TestSetCurrent_RequiresActiveMatchingUsage(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageSignature, time.Now())
	putKey(t, s, meta, []byte("x"))

	err := s.Update(func(tx *Tx) error { return tx.SetCurrent(UsageDataEncryption, meta.ID) })
	assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)

	require.NoError(t, s.Update(func(tx *Tx) error { return tx.SetCurrent(UsageSignature, meta.ID) }))
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.SetStatus(meta.ID, StatusDeprecated) }))
	require.NoError(t, s.View(func(tx *Tx) error {
		_, ok := tx.Current(UsageSignature)
		assert.False(t, ok, "demoting a key clears the current pointer")
		return nil
	}))
}

func TestListAndCounts(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()
	a := putKey(t, s, testMeta(UsageDataEncryption, base), []byte("a"))
	b := putKey(t, s, testMeta(UsageSignature, base.Add(time.Second)), []byte("b"))
	c := putKey(t, s, testMeta(UsageDataEncryption, base.Add(2*time.Second)), []byte("c"))
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.SetStatus(c.Meta.ID, StatusDeprecated) }))

	require.NoError(t, s.View(func(tx *Tx) error {
		all := tx.List(nil)
		require.Len(t, all, 3)
		assert.Equal(t, []string{a.Meta.ID, b.Meta.ID, c.Meta.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

		enc := tx.List(func(m Metadata) bool { return m.Usage == UsageDataEncryption })
		assert.Len(t, enc, 2)

		counts := tx.Counts()
		assert.Equal(t, 2, counts[StatusActive])
		assert.Equal(t, 1, counts[StatusDeprecated])
		return nil
	}))
}

func TestSnapshotRestore(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()
	older := putKey(t, s, testMeta(UsageDataEncryption, base), []byte("older-material"))
	newer := putKey(t, s, testMeta(UsageDataEncryption, base.Add(time.Minute)), []byte("newer-material"))
	tampered := putKey(t, s, testMeta(UsageSignature, base), []byte("tampered-material"))

	blob, err := s.Snapshot()
	require.NoError(t, err)

	// Flip a byte in the tampered entry's sealed blob inside the snapshot.
	idx := bytes.Index(blob, tampered.Sealed)
	require.Greater(t, idx, 0)
	blob[idx+4] ^= 0x80

	res, err := s.Restore(blob)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)
	assert.Equal(t, []string{tampered.Meta.ID}, res.Dropped)

	require.NoError(t, s.View(func(tx *Tx) error {
		cur, ok := tx.Current(UsageDataEncryption)
		assert.True(t, ok)
		assert.Equal(t, newer.Meta.ID, cur)

		plain, _, err := tx.Unseal(older.Meta.ID)
		require.NoError(t, err)
		assert.Equal(t, []byte("older-material"), plain)

		_, err = tx.Get(tampered.Meta.ID)
		assert.ErrorIs(t, err, keyerr.ErrKeyNotFound)
		return nil
	}))
}

func TestRestore_TamperedStatusIsDropped(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageDataEncryption, time.Now())
	putKey(t, s, meta, []byte("revoked-material"))
	require.NoError(t, s.Update(func(tx *Tx) error { return tx.SetStatus(meta.ID, StatusRevoked) }))

	blob, err := s.Snapshot()
	require.NoError(t, err)

	// id, family, version and usage precede the status byte.
	idx := bytes.Index(blob, []byte(meta.ID))
	require.Greater(t, idx, 0)
	statusAt := idx + len(meta.ID) + len(meta.Family) + 4 + 1
	require.Equal(t, byte(StatusRevoked), blob[statusAt])
	blob[statusAt] = byte(StatusActive)

	res, err := s.Restore(blob)
	require.NoError(t, err)
	assert.Zero(t, res.Restored)
	assert.Equal(t, []string{meta.ID}, res.Dropped)

	require.NoError(t, s.View(func(tx *Tx) error {
		_, ok := tx.Current(UsageDataEncryption)
		assert.False(t, ok)
		assert.Zero(t, tx.Len())
		return nil
	}))
}

func TestRestore_SkipsTombstonedKeys(t *testing.T) {
	s, _ := newTestStore(t)
	base := time.Now()
	kept := putKey(t, s, testMeta(UsageDataEncryption, base), []byte("kept-material"))
	revoked := putKey(t, s, testMeta(UsageDataEncryption, base.Add(time.Minute)), []byte("revoked-material"))

	blob, err := s.Snapshot()
	require.NoError(t, err)

	require.NoError(t, s.Update(func(tx *Tx) error {
		if err := tx.Remove(revoked.Meta.ID); err != nil {
			return err
		}
		return tx.AddTombstone(revoked.Meta.ID, "lost device", base)
	}))

	res, err := s.Restore(blob)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Empty(t, res.Dropped)
	assert.Equal(t, []string{revoked.Meta.ID}, res.Revoked)

	require.NoError(t, s.View(func(tx *Tx) error {
		cur, ok := tx.Current(UsageDataEncryption)
		require.True(t, ok)
		assert.Equal(t, kept.Meta.ID, cur, "the newer key stayed revoked")

		_, err := tx.Get(revoked.Meta.ID)
		assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)
		return nil
	}))
}

func TestRestore_ForeignMasterDropsAll(t *testing.T) {
	s1, _ := newTestStore(t)
	putKey(t, s1, testMeta(UsageDataEncryption, time.Now()), []byte("m"))
	blob, err := s1.Snapshot()
	require.NoError(t, err)

	s2, _ := newTestStore(t)
	res, err := s2.Restore(blob)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Restored)
	assert.Len(t, res.Dropped, 1)
}

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	_, engine := newTestStore(t)
	salt := bytes.Repeat([]byte{9}, SaltSize)

	a, err := DeriveMasterKey(engine, []byte("field passphrase"), salt, crypto.MinKDFIterations)
	require.NoError(t, err)
	b, err := DeriveMasterKey(engine, []byte("field passphrase"), salt, crypto.MinKDFIterations)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, MasterKeySize)
}

func TestConcurrentAccess(t *testing.T) {
	s, _ := newTestStore(t)
	meta := testMeta(UsageDataEncryption, time.Now())
	putKey(t, s, meta, []byte("shared-material-shared-material!"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, s.Update(func(tx *Tx) error {
					_, err := tx.IncrementUsage(meta.ID)
					return err
				}))
				assert.NoError(t, s.View(func(tx *Tx) error {
					plain, _, err := tx.Unseal(meta.ID)
					crypto.SecureWipe(plain)
					return err
				}))
			}
		}()
	}
	wg.Wait()

	require.NoError(t, s.View(func(tx *Tx) error {
		m, err := tx.Meta(meta.ID)
		assert.Equal(t, uint64(16*50), m.UsageCount)
		return err
	}))
}

func TestDestroy(t *testing.T) {
	s, _ := newTestStore(t)
	e := putKey(t, s, testMeta(UsageDataEncryption, time.Now()), []byte("m"))
	sealed := e.Sealed

	s.Destroy()
	assert.True(t, crypto.IsZero(sealed))

	_, err := s.NewEntry(testMeta(UsageDataEncryption, time.Now()), []byte("m"))
	assert.ErrorIs(t, err, keyerr.ErrNotInitialized)
}
