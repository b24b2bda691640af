// walfile.go provides a memory-mapped append-only write-ahead log.
//
// It is the change-log surface for embedders whose storage engine does not
// expose one natively: the engine appends data records inside transactions
// and a commit marker on commit; the reader tails it through the Source
// interface. The OS flushes dirty pages asynchronously, so appends stay
// close to in-memory speed.
//
// File Format:
//
//	Header (32 bytes):
//	  - Magic: "DSWL" (4 bytes)
//	  - Version: uint16 (2 bytes)
//	  - Record count: uint32 (4 bytes)
//	  - Next write offset: uint64 (8 bytes)
//	  - Next LSN: uint64 (8 bytes)
//	  - Reserved: 6 bytes
//
//	Records (variable):
//	  - Kind: uint8 (0=data, 1=commit)
//	  - LSN: uint64
//	  - Txn id: uint64
//	  - Data records only:
//	      collection length uint16 + bytes,
//	      entity id length uint16 + bytes,
//	      post-image flag uint8, then length uint32 + CBOR bytes when set
package changelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/driftsync/driftsync/pkg/wire"
	"golang.org/x/sys/unix"
)

const (
	walMagic        = "DSWL"
	walVersion      = uint16(1)
	walHeaderSize   = 32
	walInitialSize  = 4 * 1024 * 1024
	walGrowthFactor = 2
)

// WAL file errors.
var (
	ErrWALCorrupted       = errors.New("changelog: wal file corrupted")
	ErrWALVersionMismatch = errors.New("changelog: wal file version mismatch")
	ErrWALClosed          = errors.New("changelog: wal file closed")
)

type walHeader struct {
	RecordCount uint32
	NextOffset  uint64
	NextLSN     uint64
}

// WALFile is an mmap-backed append-only log implementing Source.
type WALFile struct {
	mu     sync.Mutex
	file   *os.File
	data   []byte
	size   uint64
	header walHeader
	closed bool
}

// OpenWALFile opens or creates wal.dat inside dir.
func OpenWALFile(dir string) (*WALFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("changelog: create dir: %w", err)
	}

	path := filepath.Join(dir, "wal.dat")
	if _, err := os.Stat(path); err == nil {
		return openExistingWAL(path)
	}
	return createWAL(path)
}

func createWAL(path string) (*WALFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("changelog: create wal: %w", err)
	}
	if err := f.Truncate(walInitialSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("changelog: truncate wal: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, walInitialSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("changelog: mmap: %w", err)
	}

	w := &WALFile{
		file: f,
		data: data,
		size: walInitialSize,
		header: walHeader{
			NextOffset: walHeaderSize,
			NextLSN:    1,
		},
	}
	w.writeHeader()
	return w, nil
}

func openExistingWAL(path string) (*WALFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("changelog: open wal: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("changelog: stat wal: %w", err)
	}
	size := uint64(info.Size())
	if size < walHeaderSize {
		f.Close()
		return nil, ErrWALCorrupted
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("changelog: mmap: %w", err)
	}

	w := &WALFile{file: f, data: data, size: size}
	if string(data[0:4]) != walMagic {
		w.closeLocked()
		return nil, ErrWALCorrupted
	}
	if binary.LittleEndian.Uint16(data[4:6]) != walVersion {
		w.closeLocked()
		return nil, ErrWALVersionMismatch
	}
	w.header.RecordCount = binary.LittleEndian.Uint32(data[6:10])
	w.header.NextOffset = binary.LittleEndian.Uint64(data[10:18])
	w.header.NextLSN = binary.LittleEndian.Uint64(data[18:26])
	if w.header.NextOffset < walHeaderSize || w.header.NextOffset > size {
		w.closeLocked()
		return nil, ErrWALCorrupted
	}
	return w, nil
}

// Append writes one data record in txnID. A nil afterImage records a delete.
// Returns the assigned LSN.
func (w *WALFile) Append(txnID uint64, collection, entityID string, afterImage map[string]any) (uint64, error) {
	var image []byte
	if afterImage != nil {
		encoded, err := wire.EncodeMap(afterImage)
		if err != nil {
			return 0, fmt.Errorf("changelog: encode post-image: %w", err)
		}
		image = encoded
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	recordSize := 1 + 8 + 8 +
		2 + len(collection) +
		2 + len(entityID) +
		1
	if image != nil {
		recordSize += 4 + len(image)
	}
	if err := w.ensureSpace(uint64(recordSize)); err != nil {
		return 0, err
	}

	lsn := w.header.NextLSN
	offset := w.header.NextOffset

	w.data[offset] = uint8(KindData)
	offset++
	binary.LittleEndian.PutUint64(w.data[offset:], lsn)
	offset += 8
	binary.LittleEndian.PutUint64(w.data[offset:], txnID)
	offset += 8
	binary.LittleEndian.PutUint16(w.data[offset:], uint16(len(collection)))
	offset += 2
	copy(w.data[offset:], collection)
	offset += uint64(len(collection))
	binary.LittleEndian.PutUint16(w.data[offset:], uint16(len(entityID)))
	offset += 2
	copy(w.data[offset:], entityID)
	offset += uint64(len(entityID))
	if image != nil {
		w.data[offset] = 1
		offset++
		binary.LittleEndian.PutUint32(w.data[offset:], uint32(len(image)))
		offset += 4
		copy(w.data[offset:], image)
		offset += uint64(len(image))
	} else {
		w.data[offset] = 0
		offset++
	}

	w.header.NextOffset = offset
	w.header.NextLSN = lsn + 1
	w.header.RecordCount++
	w.writeHeader()
	return lsn, nil
}

// Commit writes the commit marker for txnID. Returns the assigned LSN.
func (w *WALFile) Commit(txnID uint64) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, ErrWALClosed
	}

	if err := w.ensureSpace(1 + 8 + 8); err != nil {
		return 0, err
	}

	lsn := w.header.NextLSN
	offset := w.header.NextOffset

	w.data[offset] = uint8(KindCommit)
	offset++
	binary.LittleEndian.PutUint64(w.data[offset:], lsn)
	offset += 8
	binary.LittleEndian.PutUint64(w.data[offset:], txnID)
	offset += 8

	w.header.NextOffset = offset
	w.header.NextLSN = lsn + 1
	w.header.RecordCount++
	w.writeHeader()
	return lsn, nil
}

// ReadFrom implements Source: all records with LSN greater than afterLSN.
func (w *WALFile) ReadFrom(_ context.Context, afterLSN uint64) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrWALClosed
	}

	var records []Record
	offset := uint64(walHeaderSize)
	end := w.header.NextOffset

	for offset < end {
		rec, next, err := w.readRecord(offset)
		if err != nil {
			return nil, err
		}
		if rec.LSN > afterLSN {
			records = append(records, rec)
		}
		offset = next
	}
	return records, nil
}

func (w *WALFile) readRecord(offset uint64) (Record, uint64, error) {
	var rec Record
	if offset+1+8+8 > w.size {
		return rec, 0, ErrWALCorrupted
	}
	kind := w.data[offset]
	offset++
	rec.LSN = binary.LittleEndian.Uint64(w.data[offset:])
	offset += 8
	rec.TxnID = binary.LittleEndian.Uint64(w.data[offset:])
	offset += 8

	switch RecordKind(kind) {
	case KindCommit:
		rec.Kind = KindCommit
		return rec, offset, nil
	case KindData:
		rec.Kind = KindData
	default:
		return rec, 0, fmt.Errorf("%w: unknown record kind %d", ErrWALCorrupted, kind)
	}

	collection, offset, err := w.readString16(offset)
	if err != nil {
		return rec, 0, err
	}
	rec.Collection = collection

	entityID, offset, err := w.readString16(offset)
	if err != nil {
		return rec, 0, err
	}
	rec.EntityID = entityID

	if offset+1 > w.size {
		return rec, 0, ErrWALCorrupted
	}
	hasImage := w.data[offset] == 1
	offset++
	if hasImage {
		if offset+4 > w.size {
			return rec, 0, ErrWALCorrupted
		}
		imageLen := uint64(binary.LittleEndian.Uint32(w.data[offset:]))
		offset += 4
		if offset+imageLen > w.size {
			return rec, 0, ErrWALCorrupted
		}
		image, err := wire.DecodeMap(w.data[offset : offset+imageLen])
		if err != nil {
			return rec, 0, fmt.Errorf("%w: %v", ErrWALCorrupted, err)
		}
		rec.AfterImage = image
		offset += imageLen
	}
	return rec, offset, nil
}

func (w *WALFile) readString16(offset uint64) (string, uint64, error) {
	if offset+2 > w.size {
		return "", 0, ErrWALCorrupted
	}
	length := uint64(binary.LittleEndian.Uint16(w.data[offset:]))
	offset += 2
	if offset+length > w.size {
		return "", 0, ErrWALCorrupted
	}
	s := string(w.data[offset : offset+length])
	return s, offset + length, nil
}

// Sync flushes dirty pages. MS_ASYNC is enough: the data already lives in
// the mapping and survives a process crash.
func (w *WALFile) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	if err := unix.Msync(w.data, unix.MS_ASYNC); err != nil {
		return fmt.Errorf("changelog: msync: %w", err)
	}
	return nil
}

// Close syncs and unmaps the file.
func (w *WALFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *WALFile) closeLocked() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.data != nil {
		_ = unix.Msync(w.data, unix.MS_SYNC)
		if err := unix.Munmap(w.data); err != nil {
			return fmt.Errorf("changelog: munmap: %w", err)
		}
		w.data = nil
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil {
			return fmt.Errorf("changelog: close wal: %w", err)
		}
		w.file = nil
	}
	return nil
}

func (w *WALFile) writeHeader() {
	copy(w.data[0:4], walMagic)
	binary.LittleEndian.PutUint16(w.data[4:6], walVersion)
	binary.LittleEndian.PutUint32(w.data[6:10], w.header.RecordCount)
	binary.LittleEndian.PutUint64(w.data[10:18], w.header.NextOffset)
	binary.LittleEndian.PutUint64(w.data[18:26], w.header.NextLSN)
}

func (w *WALFile) ensureSpace(needed uint64) error {
	if w.header.NextOffset+needed <= w.size {
		return nil
	}

	newSize := w.size * walGrowthFactor
	for w.header.NextOffset+needed > newSize {
		newSize *= walGrowthFactor
	}

	// Once the old mapping is gone the struct must never expose it again:
	// a failed grow poisons the file so later calls fail with ErrWALClosed
	// instead of touching unmapped memory.
	if err := unix.Munmap(w.data); err != nil {
		return fmt.Errorf("changelog: munmap: %w", err)
	}
	w.data = nil
	if err := w.file.Truncate(int64(newSize)); err != nil {
		w.poisonLocked()
		return fmt.Errorf("changelog: truncate: %w", err)
	}
	data, err := unix.Mmap(int(w.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		w.poisonLocked()
		return fmt.Errorf("changelog: mmap: %w", err)
	}
	w.data = data
	w.size = newSize
	return nil
}

// poisonLocked marks the file unusable after the mapping is lost mid-grow.
func (w *WALFile) poisonLocked() {
	w.closed = true
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
}

var _ Source = (*WALFile)(nil)
