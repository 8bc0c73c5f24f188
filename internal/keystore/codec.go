package keystore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/kenneth/field-keyguard/internal/crypto"
	"github.com/kenneth/field-keyguard/internal/keyerr"
)

// SnapshotVersion is the current snapshot format version.
const SnapshotVersion uint8 = 1

const (
	maxIDLen        = math.MaxUint8
	maxAlgorithmLen = math.MaxUint8
	maxSealedLen    = math.MaxUint16

	flagEncrypted   = 1 << 0
	flagAllowExport = 1 << 1
)

// EncodeSnapshot serializes entries as
//
//	[u8 version][u32 count]{[u8 idLen][id][metadata][u16 cipherLen][cipher][32B checksum]}*
//
// with all integers big-endian.
func EncodeSnapshot(entries []*Entry) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(SnapshotVersion)
	writeUint32(&buf, uint32(len(entries)))

	for _, e := range entries {
		if err := encodeEntry(&buf, e); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// DecodeSnapshot parses a snapshot produced by EncodeSnapshot. Unknown
// versions and truncated input are rejected with ErrInvalidParameters.
func DecodeSnapshot(blob []byte) ([]*Entry, error) {
	r := bytes.NewReader(blob)

	version, err := r.ReadByte()
	if err != nil {
		return nil, codecErr("empty snapshot")
	}
	if version != SnapshotVersion {
		return nil, codecErr(fmt.Sprintf("unsupported snapshot version %d", version))
	}

	var count uint32
	if err := binary.Read(r, binary.BigEndian, &count); err != nil {
		return nil, codecErr("truncated header")
	}

	entries := make([]*Entry, 0, min(int(count), 1024))
	for i := uint32(0); i < count; i++ {
		e, err := decodeEntry(r)
		if err != nil {
			return nil, codecErr(fmt.Sprintf("entry %d: %v", i, err))
		}
		entries = append(entries, e)
	}
	if r.Len() != 0 {
		return nil, codecErr("trailing bytes")
	}
	return entries, nil
}

func codecErr(msg string) error {
	return keyerr.E("decode snapshot", "", fmt.Errorf("%w: %s", keyerr.ErrInvalidParameters, msg))
}

func encodeEntry(buf *bytes.Buffer, e *Entry) error {
	m := e.Meta
	switch {
	case len(m.ID) == 0 || len(m.ID) > maxIDLen:
		return keyerr.E("encode snapshot", m.ID, fmt.Errorf("%w: id length", keyerr.ErrInvalidParameters))
	case len(m.Algorithm) > maxAlgorithmLen:
		return keyerr.E("encode snapshot", m.ID, fmt.Errorf("%w: algorithm length", keyerr.ErrInvalidParameters))
	case len(e.Sealed) > maxSealedLen:
		return keyerr.E("encode snapshot", m.ID, fmt.Errorf("%w: sealed material too large", keyerr.ErrInvalidParameters))
	}

	buf.WriteByte(byte(len(m.ID)))
	buf.WriteString(m.ID)
	encodeMetadata(buf, m, e.Encrypted)
	writeUint16(buf, uint16(len(e.Sealed)))
	buf.Write(e.Sealed)
	buf.Write(e.Checksum[:])
	return nil
}

func encodeMetadata(buf *bytes.Buffer, m Metadata, encrypted bool) {
	buf.Write(m.Family[:])
	writeUint32(buf, m.Version)
	buf.WriteByte(byte(m.Usage))
	buf.WriteByte(byte(m.Status))
	buf.WriteByte(byte(m.Level))

	var flags byte
	if encrypted {
		flags |= flagEncrypted
	}
	if m.AllowExport {
		flags |= flagAllowExport
	}
	buf.WriteByte(flags)

	writeUint64(buf, uint64(m.CreatedAt.UnixNano()))
	writeUint64(buf, uint64(m.ExpiresAt.UnixNano()))
	writeUint64(buf, uint64(m.RotationInterval))
	writeUint64(buf, m.UsageCount)
	writeUint64(buf, m.MaxUsage)
	buf.WriteByte(byte(len(m.Algorithm)))
	buf.WriteString(m.Algorithm)
}

func decodeEntry(r *bytes.Reader) (*Entry, error) {
	e := &Entry{}

	id, err := readShortString(r)
	if err != nil || id == "" {
		return nil, fmt.Errorf("bad id")
	}
	e.Meta.ID = id

	if _, err := io.ReadFull(r, e.Meta.Family[:]); err != nil {
		return nil, err
	}

	var fixed struct {
		Version  uint32
		Usage    uint8
		Status   uint8
		Level    uint8
		Flags    uint8
		Created  int64
		Expires  int64
		Interval int64
		Count    uint64
		Max      uint64
	}
	if err := binary.Read(r, binary.BigEndian, &fixed); err != nil {
		return nil, err
	}

	e.Meta.Version = fixed.Version
	e.Meta.Usage = Usage(fixed.Usage)
	e.Meta.Status = Status(fixed.Status)
	e.Meta.Level = crypto.SecurityLevel(fixed.Level)
	e.Encrypted = fixed.Flags&flagEncrypted != 0
	e.Meta.AllowExport = fixed.Flags&flagAllowExport != 0
	e.Meta.CreatedAt = time.Unix(0, fixed.Created).UTC()
	e.Meta.ExpiresAt = time.Unix(0, fixed.Expires).UTC()
	e.Meta.RotationInterval = time.Duration(fixed.Interval)
	e.Meta.UsageCount = fixed.Count
	e.Meta.MaxUsage = fixed.Max

	if !e.Meta.Usage.Valid() || e.Meta.Status < StatusActive || e.Meta.Status > StatusCompromised {
		return nil, fmt.Errorf("bad usage or status")
	}

	if e.Meta.Algorithm, err = readShortString(r); err != nil {
		return nil, err
	}

	var sealedLen uint16
	if err := binary.Read(r, binary.BigEndian, &sealedLen); err != nil {
		return nil, err
	}
	e.Sealed = make([]byte, sealedLen)
	if _, err := io.ReadFull(r, e.Sealed); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, e.Checksum[:]); err != nil {
		return nil, err
	}
	return e, nil
}

// checksumInput is the canonical encoding of the fields the checksum covers.
func checksumInput(e *Entry) []byte {
	m := e.Meta
	var buf bytes.Buffer
	buf.WriteByte(byte(len(m.ID)))
	buf.WriteString(m.ID)
	buf.Write(m.Family[:])
	writeUint32(&buf, m.Version)
	buf.WriteByte(byte(m.Usage))
	buf.WriteByte(byte(m.Status))
	buf.WriteByte(byte(m.Level))
	writeUint64(&buf, uint64(m.CreatedAt.UnixNano()))
	writeUint64(&buf, uint64(m.ExpiresAt.UnixNano()))
	writeUint64(&buf, m.MaxUsage)
	if m.AllowExport {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
	buf.WriteByte(byte(len(m.Algorithm)))
	buf.WriteString(m.Algorithm)
	writeUint16(&buf, uint16(len(e.Sealed)))
	buf.Write(e.Sealed)
	return buf.Bytes()
}

func readShortString(r *bytes.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}
