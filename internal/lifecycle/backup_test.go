package lifecycle

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/entropy"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
	"github.com/kenneth/field-keyguard/internal/storage"
)

func derivedMaster(t *testing.T, primary storage.Storage) []byte {
	t.Helper()
	engine, err := crypto.NewEngine(entropy.NewSystem(), crypto.DefaultOptions())
	require.NoError(t, err)

	salt, err := MasterSalt(context.Background(), primary, engine)
	require.NoError(t, err)
	master, err := keystore.DeriveMasterKey(engine, []byte("operator passphrase"), salt, crypto.MinKDFIterations)
	require.NoError(t, err)
	return master
}

func TestBackupName(t *testing.T) {
	assert.Equal(t, "backup-1.bin", BackupName(1, 3))
	assert.Equal(t, "backup-0.bin", BackupName(3, 3))
	assert.Equal(t, "backup-0.bin", BackupName(7, 0))
	assert.Equal(t, uint64(2), parseGeneration("backup-2.bin\n"))
	assert.Zero(t, parseGeneration("garbage"))
}

func TestBackupAllKeys_Generations(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)

	var names []string
	for i := 0; i < 4; i++ {
		name, err := env.m.BackupAllKeys(ctx)
		require.NoError(t, err)
		names = append(names, name)
	}
	assert.Equal(t, []string{"backup-1.bin", "backup-2.bin", "backup-0.bin", "backup-1.bin"}, names)

	latest, err := env.primary.LoadBlob(ctx, LatestBackupBlob)
	require.NoError(t, err)
	assert.Equal(t, "backup-1.bin", string(latest))
	assert.Equal(t, uint64(4), env.m.Statistics().Backups)
	assert.Equal(t, 4, env.events.count(EventBackup))
}

func TestBackupAllKeys_NoStorage(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) { c.primary = nil })

	_, err := env.m.BackupAllKeys(context.Background())
	assert.ErrorIs(t, err, keyerr.ErrNotInitialized)
	_, err = env.m.RestoreFromBackup(context.Background(), "")
	assert.ErrorIs(t, err, keyerr.ErrNotInitialized)
	assert.NoError(t, env.m.Persist(context.Background()))
}

func TestRestoreFromBackup_DropsTamperedEntries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	good, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)
	bad, err := env.m.GenerateKey(keystore.UsageSignature, KeyOptions{})
	require.NoError(t, err)
	_, ct, err := env.m.Encrypt(good, []byte("survives restore"))
	require.NoError(t, err)

	require.NoError(t, env.store.Update(func(tx *keystore.Tx) error {
		e, ok := tx.Entry(bad)
		require.True(t, ok)
		e.Sealed[0] ^= 0x80
		return nil
	}))

	_, err = env.m.BackupAllKeys(ctx)
	require.NoError(t, err)

	_, err = env.m.GenerateKey(keystore.UsageBackup, KeyOptions{})
	require.NoError(t, err)

	res, err := env.m.RestoreFromBackup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Equal(t, []string{bad}, res.Dropped)

	_, err = env.m.KeyInfo(bad)
	assert.ErrorIs(t, err, keyerr.ErrKeyNotFound)
	assert.Len(t, env.m.ListKeys(ListFilter{}), 1, "keys created after the backup are gone")

	pt, err := env.m.Decrypt(good, ct)
	require.NoError(t, err)
	assert.Equal(t, "survives restore", string(pt))

	current, ok := env.m.Current(keystore.UsageDataEncryption)
	require.True(t, ok)
	assert.Equal(t, good, current)

	assert.Equal(t, uint64(1), env.m.Statistics().IntegrityFailures)
	assert.Equal(t, 1, env.events.count(EventIntegrityFailure))
	assert.Equal(t, 1, env.events.count(EventRestore))
}

func TestRestoreFromBackup_KeepsRevocations(t *testing.T) {
	for _, wipe := range []bool{false, true} {
		t.Run(fmt.Sprintf("wipe=%v", wipe), func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()

			revoked, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
			require.NoError(t, err)
			kept, err := env.m.GenerateKey(keystore.UsageSignature, KeyOptions{})
			require.NoError(t, err)

			_, err = env.m.BackupAllKeys(ctx)
			require.NoError(t, err)
			require.NoError(t, env.m.RevokeKey(revoked, "compromised", wipe))

			res, err := env.m.RestoreFromBackup(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, 1, res.Restored)
			assert.Empty(t, res.Dropped)
			assert.Equal(t, []string{revoked}, res.Revoked)

			_, err = env.m.KeyInfo(revoked)
			assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)
			_, _, err = env.m.Encrypt(revoked, []byte("x"))
			assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)

			_, ok := env.m.Current(keystore.UsageDataEncryption)
			assert.False(t, ok, "the revoked key is not current again")
			cur, ok := env.m.Current(keystore.UsageSignature)
			require.True(t, ok)
			assert.Equal(t, kept, cur)

			used, _, err := env.m.EncryptFor(keystore.UsageDataEncryption, []byte("x"))
			require.NoError(t, err)
			assert.NotEqual(t, revoked, used)
		})
	}
}

func TestRestoreFromBackup_Missing(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.m.RestoreFromBackup(context.Background(), "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = env.m.RestoreFromBackup(context.Background(), "backup-9.bin")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBackup_OffsiteRestore(t *testing.T) {
	ctx := context.Background()
	offsite := storage.NewMemory()
	master := derivedMaster(t, storage.NewMemory())

	src := newTestEnv(t, func(c *envConfig) {
		c.master = master
		c.offsite = offsite
		c.policy.Backup.Offsite = true
	})
	id, err := src.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)
	_, ct, err := src.m.Encrypt(id, []byte("replicated"))
	require.NoError(t, err)

	name, err := src.m.BackupAllKeys(ctx)
	require.NoError(t, err)
	_, err = offsite.LoadBlob(ctx, name)
	require.NoError(t, err)

	// A replacement device with empty local storage and the same passphrase.
	dst := newTestEnv(t, func(c *envConfig) {
		c.master = master
		c.offsite = offsite
	})
	res, err := dst.m.RestoreFromBackup(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Restored)
	assert.Empty(t, res.Dropped)

	pt, err := dst.m.Decrypt(id, ct)
	require.NoError(t, err)
	assert.Equal(t, "replicated", string(pt))
}

func TestBackup_OffsiteDisabled(t *testing.T) {
	offsite := storage.NewMemory()
	env := newTestEnv(t, func(c *envConfig) {
		c.offsite = offsite
		c.policy.Backup.Offsite = false
	})

	_, err := env.m.BackupAllKeys(context.Background())
	require.NoError(t, err)
	assert.Empty(t, offsite.Names())
}

func TestBackup_RetriesTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStorage{Storage: storage.NewMemory(), failures: 2}
	env.m.primary = flaky

	name, err := env.m.BackupAllKeys(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "backup-1.bin", name)
	assert.Equal(t, 4, flaky.attempts, "two failures, the backup, then the latest pointer")
}

func TestBackup_GivesUpAfterMaxAttempts(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStorage{Storage: storage.NewMemory(), failures: -1}
	env.m.primary = flaky

	_, err := env.m.BackupAllKeys(context.Background())
	assert.ErrorIs(t, err, keyerr.ErrStorageUnavailable)
	assert.Equal(t, 3, flaky.attempts)

	stats := env.m.Statistics()
	assert.Zero(t, stats.FailedOps, "the caller records the failure")
	assert.Zero(t, stats.Backups)
	assert.True(t, stats.LastBackup.IsZero())
}

func TestScheduledBackup_FailureCountedOnce(t *testing.T) {
	env := newTestEnv(t)
	env.m.primary = &flakyStorage{Storage: storage.NewMemory(), failures: -1}

	env.m.scheduledBackup(context.Background())

	stats := env.m.Statistics()
	assert.Equal(t, uint64(1), stats.FailedOps)
	assert.Zero(t, stats.Backups)
}

func TestSaveWithRetry_InvalidNameIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	flaky := &flakyStorage{Storage: storage.NewMemory()}

	err := env.m.saveWithRetry(context.Background(), flaky, "../escape", []byte("x"), testPolicy().Backup.Retry)
	assert.ErrorIs(t, err, keyerr.ErrInvalidParameters)
	assert.Equal(t, 1, flaky.attempts)
}

func TestPersistLoad(t *testing.T) {
	ctx := context.Background()
	primary := storage.NewMemory()
	master := derivedMaster(t, primary)

	env := newTestEnv(t, func(c *envConfig) {
		c.master = master
		c.primary = primary
	})
	data, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)
	sig, err := env.m.GenerateKey(keystore.UsageSignature, KeyOptions{})
	require.NoError(t, err)
	_, ct, err := env.m.Encrypt(data, []byte("across reboots"))
	require.NoError(t, err)
	_, err = env.m.BackupAllKeys(ctx)
	require.NoError(t, err)
	_, err = env.m.BackupAllKeys(ctx)
	require.NoError(t, err)
	require.NoError(t, env.m.Persist(ctx))

	// Reboot: derive the master again from the stored salt.
	rebooted := newTestEnv(t, func(c *envConfig) {
		c.master = derivedMaster(t, primary)
		c.primary = primary
	})
	res, err := rebooted.m.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Restored)

	pt, err := rebooted.m.Decrypt(data, ct)
	require.NoError(t, err)
	assert.Equal(t, "across reboots", string(pt))

	current, ok := rebooted.m.Current(keystore.UsageSignature)
	require.True(t, ok)
	assert.Equal(t, sig, current)

	meta, err := rebooted.m.KeyInfo(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), meta.UsageCount, "usage counters survive a reboot")

	name, err := rebooted.m.BackupAllKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, "backup-0.bin", name, "the backup generation resumes")
}

func TestLoad_WrongMasterDropsEverything(t *testing.T) {
	ctx := context.Background()
	primary := storage.NewMemory()

	env := newTestEnv(t, func(c *envConfig) { c.primary = primary })
	_, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)
	require.NoError(t, env.m.Persist(ctx))

	other := newTestEnv(t, func(c *envConfig) { c.primary = primary })
	res, err := other.m.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Restored)
	assert.Len(t, res.Dropped, 1)
}

func TestLoad_FreshDevice(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.m.Load(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Restored)
	assert.Empty(t, res.Dropped)
}

func TestMasterSalt(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemory()
	engine, err := crypto.NewEngine(entropy.NewSystem(), crypto.DefaultOptions())
	require.NoError(t, err)

	first, err := MasterSalt(ctx, s, engine)
	require.NoError(t, err)
	assert.Len(t, first, keystore.SaltSize)

	second, err := MasterSalt(ctx, s, engine)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, s.SaveBlob(ctx, SaltBlob, []byte("short")))
	_, err = MasterSalt(ctx, s, engine)
	assert.ErrorIs(t, err, keyerr.ErrIntegrityFailure)
}
