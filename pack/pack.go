// Package pack moves whole snapshot versions between stores as compressed
// archives, for export/import across daemons and offline backup.
//
// Pack format (before compression):
//
//	[4 bytes: header length (big-endian)]
//	[header JSON: Header]
//	[object data...]
//
// The header describes each object's digest, kind, offset (relative to the
// data start) and length. The whole pack is zstd-compressed.
package pack

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/snapshot"
)

const (
	headerLengthSize = 4
	maxHeaderSize    = 10 * 1024 * 1024
	formatVersion    = 1
)

// DefaultMaxSize caps the decompressed size of an ingested pack.
const DefaultMaxSize = 256 << 20

var (
	// ErrTooLarge rejects a pack whose decompressed size exceeds the limit.
	ErrTooLarge = errors.New("pack: exceeds size limit")
	// ErrCorrupt rejects a pack with broken framing or a failed digest check.
	ErrCorrupt = errors.New("pack: malformed or corrupted")
)

// Header describes a pack's contents.
type Header struct {
	Version int           `json:"version"`
	Root    cas.Hash      `json:"root"`
	Objects []ObjectEntry `json:"objects"`
}

// ObjectEntry describes a single object in a pack.
type ObjectEntry struct {
	Digest cas.Hash `json:"digest"`
	Kind   string   `json:"kind"`
	Offset int64    `json:"offset"`
	Length int64    `json:"length"`
}

// Manifest summarizes a built or ingested pack.
type Manifest struct {
	Root    cas.Hash
	Objects int
	Bytes   int64
}

// Build walks the version rooted at root and writes a compressed pack of
// every reachable object to w.
func Build(st snapshot.ObjectStore, root cas.Hash, w io.Writer) (*Manifest, error) {
	if _, err := snapshot.Load(st, root); err != nil {
		return nil, err
	}

	header := Header{Version: formatVersion, Root: root}
	var data bytes.Buffer
	seen := make(map[cas.Hash]bool)
	err := snapshot.ReachableKinds(st, root, func(h cas.Hash, kind string) error {
		if seen[h] {
			return nil
		}
		seen[h] = true
		content, err := st.GetObject(h)
		if err != nil {
			return err
		}
		header.Objects = append(header.Objects, ObjectEntry{
			Digest: h,
			Kind:   kind,
			Offset: int64(data.Len()),
			Length: int64(len(content)),
		})
		data.Write(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collecting objects: %w", err)
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshaling header: %w", err)
	}

	var pack bytes.Buffer
	headerLen := make([]byte, headerLengthSize)
	binary.BigEndian.PutUint32(headerLen, uint32(len(headerJSON)))
	pack.Write(headerLen)
	pack.Write(headerJSON)
	pack.Write(data.Bytes())

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	if _, err := encoder.Write(pack.Bytes()); err != nil {
		encoder.Close()
		return nil, fmt.Errorf("compressing: %w", err)
	}
	if err := encoder.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return &Manifest{Root: root, Objects: len(header.Objects), Bytes: int64(pack.Len())}, nil
}

// Ingest reads a compressed pack, verifies every object digest and stores
// the objects idempotently. maxSize caps the decompressed size (<= 0 means
// DefaultMaxSize). The returned manifest carries the pack's root; the
// caller decides what retains it.
func Ingest(st snapshot.ObjectStore, r io.Reader, maxSize int64) (*Manifest, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}

	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	decompressed, err := io.ReadAll(io.LimitReader(decoder, maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing: %v: %w", err, ErrCorrupt)
	}
	if int64(len(decompressed)) > maxSize {
		return nil, fmt.Errorf("decompressed size over %d bytes: %w", maxSize, ErrTooLarge)
	}
	if len(decompressed) < headerLengthSize {
		return nil, fmt.Errorf("pack too small (%d bytes): %w", len(decompressed), ErrCorrupt)
	}

	headerLen := binary.BigEndian.Uint32(decompressed[:headerLengthSize])
	if headerLen > maxHeaderSize {
		return nil, fmt.Errorf("header too large (%d bytes): %w", headerLen, ErrCorrupt)
	}
	if headerLengthSize+int(headerLen) > len(decompressed) {
		return nil, fmt.Errorf("header length exceeds pack size: %w", ErrCorrupt)
	}

	var header Header
	if err := json.Unmarshal(decompressed[headerLengthSize:headerLengthSize+int(headerLen)], &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != formatVersion {
		return nil, fmt.Errorf("unsupported pack version %d: %w", header.Version, ErrCorrupt)
	}
	objectData := decompressed[headerLengthSize+int(headerLen):]

	// Verify every digest before storing anything.
	for _, obj := range header.Objects {
		if obj.Offset < 0 || obj.Length < 0 || obj.Offset+obj.Length > int64(len(objectData)) {
			return nil, fmt.Errorf("object %s extends beyond data: %w", obj.Digest.Short(), ErrCorrupt)
		}
		content := objectData[obj.Offset : obj.Offset+obj.Length]
		if cas.Sum(obj.Kind, content) != obj.Digest {
			return nil, fmt.Errorf("digest mismatch at offset %d: %w", obj.Offset, ErrCorrupt)
		}
	}

	for _, obj := range header.Objects {
		content := objectData[obj.Offset : obj.Offset+obj.Length]
		if _, err := st.PutObject(obj.Kind, content); err != nil {
			return nil, fmt.Errorf("storing object %s: %w", obj.Digest.Short(), err)
		}
	}

	// The pack must actually contain its advertised root.
	if _, err := snapshot.Load(st, header.Root); err != nil {
		return nil, fmt.Errorf("pack root: %w", err)
	}
	return &Manifest{Root: header.Root, Objects: len(header.Objects), Bytes: int64(len(decompressed))}, nil
}
