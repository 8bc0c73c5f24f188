package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

func TestPerformAutoRotation_Interval(t *testing.T) {
	env := newTestEnv(t)
	short, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{RotationInterval: time.Hour, MaxKeyAge: 48 * time.Hour})
	require.NoError(t, err)
	long, err := env.m.GenerateKey(keystore.UsageSignature, KeyOptions{})
	require.NoError(t, err)

	env.clock.Add(59 * time.Minute)
	n, err := env.m.PerformAutoRotation()
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Add(time.Minute)
	n, err = env.m.PerformAutoRotation()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, keystore.StatusDeprecated, env.status(t, short))
	assert.Equal(t, keystore.StatusActive, env.status(t, long))

	current, _ := env.m.Current(keystore.UsageDataEncryption)
	meta, err := env.m.KeyInfo(current)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), meta.Version)
	assert.Equal(t, time.Hour, meta.RotationInterval)
}

func TestPerformAutoRotation_UsageLimit(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.m.GenerateKey(keystore.UsageBackup, KeyOptions{MaxUsage: 2})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _, err := env.m.Encrypt(id, []byte("x"))
		require.NoError(t, err)
	}

	n, err := env.m.PerformAutoRotation()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, keystore.StatusDeprecated, env.status(t, id))
}

func TestPerformAutoRotation_ThreatThreshold(t *testing.T) {
	var reasons []string
	env := newTestEnv(t, func(c *envConfig) {
		c.policy.ThreatThreshold = 50
	})
	env.m.obs = ObserverFunc(func(ev Event) {
		if ev.Type == EventRotated {
			reasons = append(reasons, ev.Reason)
		}
	})

	_, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{
		Level:            crypto.LevelStandard,
		RotationInterval: 10 * time.Hour,
	})
	require.NoError(t, err)

	env.clock.Add(time.Hour)
	n, err := env.m.PerformAutoRotation()
	require.NoError(t, err)
	assert.Zero(t, n, "standard base 40 plus six points stays below 50")

	env.clock.Add(time.Hour)
	n, err = env.m.PerformAutoRotation()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"threat level above threshold"}, reasons)
}

func TestCleanExpiredKeys_NoGrace(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.policy.GracePeriod = 0
	})
	id, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{RotationInterval: time.Hour, MaxKeyAge: time.Hour})
	require.NoError(t, err)

	var sealed []byte
	require.NoError(t, env.store.View(func(tx *keystore.Tx) error {
		e, ok := tx.Entry(id)
		require.True(t, ok)
		sealed = e.Sealed
		return nil
	}))
	require.False(t, crypto.IsZero(sealed))

	n, err := env.m.CleanExpiredKeys()
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.Add(time.Hour)
	n, err = env.m.CleanExpiredKeys()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, meta := range env.m.ListKeys(ListFilter{}) {
		assert.NotEqual(t, id, meta.ID)
	}
	assert.True(t, crypto.IsZero(sealed), "removed material is wiped")

	_, _, err = env.m.GetKey(id)
	assert.ErrorIs(t, err, keyerr.ErrKeyNotFound)

	current, ok := env.m.Current(keystore.UsageDataEncryption)
	require.True(t, ok, "an expiring current key is rotated first")
	assert.NotEqual(t, id, current)

	stats := env.m.Statistics()
	assert.Equal(t, uint64(1), stats.Expired)
	assert.Equal(t, 1, env.events.count(EventExpired))
	assert.Equal(t, 1, env.events.count(EventDestroyed))
}

func TestCleanExpiredKeys_GracePeriod(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.policy.GracePeriod = 2 * time.Hour
	})
	id, err := env.m.GenerateKey(keystore.UsageBackup, KeyOptions{RotationInterval: time.Hour, MaxKeyAge: time.Hour})
	require.NoError(t, err)
	_, ct, err := env.m.Encrypt(id, []byte("old archive"))
	require.NoError(t, err)

	env.clock.Add(time.Hour)
	n, err := env.m.CleanExpiredKeys()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, keystore.StatusExpired, env.status(t, id))

	_, err = env.m.Decrypt(id, ct)
	assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)
	_, err = env.m.RotateKey(id)
	assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)

	env.clock.Add(2 * time.Hour)
	_, err = env.m.CleanExpiredKeys()
	require.NoError(t, err)

	_, err = env.m.KeyInfo(id)
	assert.ErrorIs(t, err, keyerr.ErrKeyNotFound)
}

func TestCleanExpiredKeys_SkipsKeysRevokedMeanwhile(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.policy.GracePeriod = time.Hour
	})
	id, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{RotationInterval: time.Hour, MaxKeyAge: time.Hour})
	require.NoError(t, err)

	// The operator revokes the key while the sweep is rotating it.
	env.m.obs = ObserverFunc(func(ev Event) {
		env.events.Observe(ev)
		if ev.Type == EventRotated && ev.KeyID == id {
			require.NoError(t, env.m.RevokeKey(id, "operator", false))
		}
	})

	env.clock.Add(time.Hour)
	n, err := env.m.CleanExpiredKeys()
	require.NoError(t, err)
	assert.Zero(t, n)

	assert.Equal(t, keystore.StatusRevoked, env.status(t, id))
	assert.Zero(t, env.events.count(EventExpired))
	assert.Equal(t, 1, env.events.count(EventRevoked))
}

func TestMaintain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)

	env.m.Maintain(ctx)

	_, err = env.engine.SessionPublicKey()
	require.NoError(t, err, "maintenance brings up the session key")

	stats := env.m.Statistics()
	assert.Equal(t, uint64(1), stats.Backups)
	assert.True(t, testStart.Equal(stats.LastBackup))

	_, err = env.primary.LoadBlob(ctx, SnapshotBlob)
	require.NoError(t, err)
	latest, err := env.primary.LoadBlob(ctx, LatestBackupBlob)
	require.NoError(t, err)
	assert.Equal(t, "backup-1.bin", string(latest))

	env.clock.Add(time.Minute)
	env.m.Maintain(ctx)
	assert.Equal(t, uint64(1), env.m.Statistics().Backups, "backups follow the backup interval")

	env.clock.Add(6 * time.Hour)
	env.m.Maintain(ctx)
	assert.Equal(t, uint64(2), env.m.Statistics().Backups)
}

func waitRunning(t *testing.T, m *Manager, want bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Running() == want
	}, 2*time.Second, time.Millisecond)
}

func TestRun_Ticks(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.m.Run(ctx) }()
	waitRunning(t, env.m, true)

	assert.Error(t, env.m.Run(ctx), "only one loop may run")

	require.Eventually(t, func() bool {
		env.clock.Add(time.Minute)
		_, err := env.primary.LoadBlob(ctx, SnapshotBlob)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestFlushAndSuspend(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.m.GenerateKey(keystore.UsageDataEncryption, KeyOptions{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- env.m.Run(ctx) }()
	waitRunning(t, env.m, true)

	require.NoError(t, env.m.FlushAndSuspend(ctx))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("maintenance loop did not stop")
	}

	_, err = env.primary.LoadBlob(ctx, SnapshotBlob)
	require.NoError(t, err, "flush persists synchronously")

	_, _, err = env.m.Encrypt(id, []byte("still serving"))
	require.NoError(t, err, "hot path keeps working while suspended")

	err = env.m.Run(ctx)
	assert.ErrorIs(t, err, keyerr.ErrKeyInvalidState)

	env.m.Resume()
	runCtx, cancel := context.WithCancel(ctx)
	go func() { done <- env.m.Run(runCtx) }()
	waitRunning(t, env.m, true)
	cancel()
	require.NoError(t, <-done)
}

func TestFlushAndSuspend_WithoutLoop(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.m.GenerateKey(keystore.UsageSignature, KeyOptions{})
	require.NoError(t, err)

	require.NoError(t, env.m.FlushAndSuspend(context.Background()))
	_, err = env.primary.LoadBlob(context.Background(), SnapshotBlob)
	require.NoError(t, err)
}
