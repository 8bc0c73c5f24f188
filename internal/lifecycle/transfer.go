package lifecycle

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
	"github.com/kenneth/field-keyguard/internal/keystore"
)

const (
	// ExportVersion is the current export blob format.
	ExportVersion uint8 = 1

	exportSaltSize  = 32
	exportHeaderLen = 3
	exportKeyLen    = crypto.ClassicalKeySize + 32
	// Export blobs are always sealed with AES-256-GCM so any node can
	// import them regardless of its configured AEAD.
	exportAlgorithm = crypto.AlgorithmAES256GCM
)

var exportInfo = []byte("field-keyguard/export/v1")

// ImportOptions sets the local policy of an imported key. Usage counters
// and status from the exporting node are never carried over.
type ImportOptions struct {
	KeyOptions
	// MakeCurrent points the usage at the imported key.
	MakeCurrent bool
}

// ExportKey seals a transportable key under a passphrase. The blob layout
// is [u8 version][u8 usage][u8 level][32B salt][hybrid ciphertext]; the
// ciphertext carries the algorithm name and the material.
func (m *Manager) ExportKey(id string, passphrase []byte) ([]byte, error) {
	const op = "export key"
	if len(passphrase) == 0 {
		return nil, keyerr.E(op, id, fmt.Errorf("%w: empty passphrase", keyerr.ErrInvalidParameters))
	}

	meta, err := m.KeyInfo(id)
	if err != nil {
		return nil, err
	}
	if !meta.AllowExport {
		return nil, keyerr.E(op, id, keyerr.ErrExportNotAllowed)
	}

	material, meta, err := m.unseal(op, id, nil)
	if err != nil {
		return nil, err
	}
	defer crypto.SecureWipe(material)

	salt := make([]byte, exportSaltSize)
	if err := m.engine.GenerateRandom(salt); err != nil {
		return nil, err
	}
	header := []byte{ExportVersion, byte(meta.Usage), byte(meta.Level)}

	key, err := m.engine.DeriveKey(passphrase, salt, exportInfo, meta.Level.Params().KDFIterations, exportKeyLen)
	if err != nil {
		return nil, keyerr.E(op, id, err)
	}
	defer crypto.SecureWipe(key)

	payload := make([]byte, 0, 1+len(meta.Algorithm)+len(material))
	payload = append(payload, byte(len(meta.Algorithm)))
	payload = append(payload, meta.Algorithm...)
	payload = append(payload, material...)
	defer crypto.SecureWipe(payload)

	ct, err := m.engine.HybridEncrypt(payload, crypto.HybridParams{
		ClassicalKey:    key[:crypto.ClassicalKeySize],
		ForwardMaterial: key[crypto.ClassicalKeySize:],
		AAD:             append(append([]byte(nil), header...), salt...),
		Algorithm:       exportAlgorithm,
	})
	if err != nil {
		return nil, keyerr.E(op, id, err)
	}

	var buf bytes.Buffer
	buf.Grow(len(header) + len(salt) + len(ct))
	buf.Write(header)
	buf.Write(salt)
	buf.Write(ct)

	m.logger.WithFields(logrus.Fields{
		"key_id": id,
		"usage":  meta.Usage.String(),
	}).Warn("Key exported")
	m.emit(Event{Type: EventExported, KeyID: id, Usage: meta.Usage})
	return buf.Bytes(), nil
}

// ImportKey creates a fresh ACTIVE key from an export blob: new ID and
// family, zero usage and limits from the local policy. A wrong passphrase
// or a damaged blob returns ErrIntegrityFailure.
func (m *Manager) ImportKey(blob, passphrase []byte, opts ImportOptions) (string, error) {
	const op = "import key"
	if len(blob) < exportHeaderLen+exportSaltSize || len(passphrase) == 0 {
		return "", keyerr.E(op, "", fmt.Errorf("%w: malformed export blob", keyerr.ErrInvalidParameters))
	}
	if blob[0] != ExportVersion {
		return "", keyerr.E(op, "", fmt.Errorf("%w: unsupported export version %d", keyerr.ErrInvalidParameters, blob[0]))
	}
	usage := keystore.Usage(blob[1])
	level := crypto.SecurityLevel(blob[2])
	if !usage.Valid() || !level.Valid() {
		return "", keyerr.E(op, "", fmt.Errorf("%w: invalid usage or level", keyerr.ErrInvalidParameters))
	}
	aad := blob[:exportHeaderLen+exportSaltSize]
	salt := blob[exportHeaderLen : exportHeaderLen+exportSaltSize]

	key, err := m.engine.DeriveKey(passphrase, salt, exportInfo, level.Params().KDFIterations, exportKeyLen)
	if err != nil {
		return "", keyerr.E(op, "", err)
	}
	defer crypto.SecureWipe(key)

	payload, err := m.engine.HybridDecrypt(blob[exportHeaderLen+exportSaltSize:], crypto.HybridParams{
		ClassicalKey:    key[:crypto.ClassicalKeySize],
		ForwardMaterial: key[crypto.ClassicalKeySize:],
		AAD:             aad,
		Algorithm:       exportAlgorithm,
	})
	if err != nil {
		return "", keyerr.E(op, "", err)
	}
	defer crypto.SecureWipe(payload)

	if len(payload) < 1 || len(payload) < 1+int(payload[0]) {
		return "", keyerr.E(op, "", keyerr.ErrIntegrityFailure)
	}
	alg := string(payload[1 : 1+int(payload[0])])
	material := payload[1+int(payload[0]):]
	if len(material) != materialSize(usage, level, alg) {
		return "", keyerr.E(op, "", fmt.Errorf("%w: material size", keyerr.ErrInvalidParameters))
	}
	if usage.CanEncrypt() && !crypto.IsAlgorithmSupported(alg) {
		return "", keyerr.E(op, "", fmt.Errorf("%w: unsupported algorithm %s", keyerr.ErrInvalidParameters, alg))
	}

	ko := opts.KeyOptions
	ko.Level = level
	p := m.Policy().resolve(usage, ko)
	p.allowExport = opts.AllowExport

	family, err := m.newID()
	if err != nil {
		return "", err
	}
	entry, err := m.buildEntry(usage, family, 1, p, material, alg)
	if err != nil {
		return "", err
	}

	id := entry.Meta.ID
	err = m.store.Update(func(tx *keystore.Tx) error {
		if err := tx.Put(entry); err != nil {
			return err
		}
		if _, ok := tx.Current(usage); !ok || opts.MakeCurrent {
			return tx.SetCurrent(usage, id)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	m.stats.imported.Inc()
	m.dirty.Store(true)
	m.logger.WithFields(logrus.Fields{
		"key_id": id,
		"usage":  usage.String(),
		"level":  level.String(),
	}).Info("Key imported")
	m.emit(Event{Type: EventImported, KeyID: id, Usage: usage})
	return id, nil
}
