// Package persist stores the controller's PERSIST-flagged telemetry
// nodes as a single CBOR blob with a CRC-protected header, written with
// one Write call at offset 0 of the storage backend. The store adds no
// atomicity of its own: on a backend that writes page by page
// (eeprom24), an interrupted save leaves a partly written blob, which
// then fails the CRC check on load.
//
// Layout: {version u16 LE, length u16 LE, crc32 u32 LE} followed by the
// CBOR payload. A blob whose version tag does not match or whose CRC
// fails verification is refused on load.
package persist

import (
	"encoding/binary"
	"hash/crc32"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"chargectl-go/errcode"
)

const headerSize = 8

// Storage is the raw byte-addressable backend (EEPROM, flash sector, or
// an in-memory buffer on the host).
type Storage interface {
	Read(offset int, p []byte) error
	Write(offset int, p []byte) error
	Capacity() int
}

// Memory is the host/test backend.
type Memory struct {
	buf []byte
}

func NewMemory(size int) *Memory { return &Memory{buf: make([]byte, size)} }

func (m *Memory) Capacity() int { return len(m.buf) }

func (m *Memory) Read(offset int, p []byte) error {
	if offset+len(p) > len(m.buf) {
		return errcode.InvalidParams
	}
	copy(p, m.buf[offset:])
	return nil
}

func (m *Memory) Write(offset int, p []byte) error {
	if offset+len(p) > len(m.buf) {
		return errcode.InvalidParams
	}
	copy(m.buf[offset:], p)
	return nil
}

// Store serializes node values into the backend. All I/O is serialized by
// an internal mutex; Save may be called from the slow task and from the
// fuse-destruction path.
type Store struct {
	mu      sync.Mutex
	dev     Storage
	version uint16
}

func New(dev Storage, version uint16) *Store {
	return &Store{dev: dev, version: version}
}

// Save encodes the values and writes header + payload in one operation.
func (s *Store) Save(values map[uint16]any) error {
	payload, err := cbor.Marshal(values)
	if err != nil {
		return &errcode.E{C: errcode.InvalidPayload, Op: "persist.Save", Err: err}
	}

	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:], s.version)
	binary.LittleEndian.PutUint16(buf[2:], uint16(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:], crc32.ChecksumIEEE(payload))
	copy(buf[headerSize:], payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(buf) > s.dev.Capacity() {
		return &errcode.E{C: errcode.InvalidParams, Op: "persist.Save", Msg: "blob exceeds storage"}
	}
	return s.dev.Write(0, buf)
}

// Load reads and verifies the blob. Returns StoreEmpty for a blank
// device, VersionMismatch for a blob from another schema version and
// StoreCorrupt on CRC failure.
func (s *Store) Load() (map[uint16]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var hdr [headerSize]byte
	if err := s.dev.Read(0, hdr[:]); err != nil {
		return nil, err
	}

	version := binary.LittleEndian.Uint16(hdr[0:])
	length := int(binary.LittleEndian.Uint16(hdr[2:]))
	crc := binary.LittleEndian.Uint32(hdr[4:])

	if version == 0 || version == 0xFFFF {
		return nil, errcode.StoreEmpty
	}
	if version != s.version {
		return nil, errcode.VersionMismatch
	}
	if headerSize+length > s.dev.Capacity() {
		return nil, errcode.StoreCorrupt
	}

	payload := make([]byte, length)
	if err := s.dev.Read(headerSize, payload); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(payload) != crc {
		return nil, errcode.StoreCorrupt
	}

	var values map[uint16]any
	if err := cbor.Unmarshal(payload, &values); err != nil {
		return nil, &errcode.E{C: errcode.StoreCorrupt, Op: "persist.Load", Err: err}
	}
	return values, nil
}
