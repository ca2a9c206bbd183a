package store

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/roach88/causalog/internal/ir"
)

// Segment file layout:
//
//	magic "CLSEG001" | u16 header length | header JSON | records...
//
// Each record is [u32 length][u32 crc32c][entry wire JSON], little endian.
// Offsets stored in the index point at the record frame and are offsets into
// the uncompressed stream, so compressing a closed segment never moves them.
const (
	segmentMagic   = "CLSEG001"
	frameSize      = 8
	maxRecordBytes = 16 << 20
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// errTornRecord marks an incomplete or corrupt trailing record.
var errTornRecord = errors.New("torn record")

// segmentHeader is self-describing so the index can be rebuilt from files alone.
type segmentHeader struct {
	ID       string   `json:"id"`
	Scope    ir.Scope `json:"scope"`
	Seq      int64    `json:"seq"`
	Imported bool     `json:"imported"`
	Created  int64    `json:"created"`
}

func encodeHeader(h segmentHeader) ([]byte, error) {
	body, err := json.Marshal(h)
	if err != nil {
		return nil, err
	}
	if len(body) > 0xFFFF {
		return nil, fmt.Errorf("segment header too large")
	}
	buf := make([]byte, 0, len(segmentMagic)+2+len(body))
	buf = append(buf, segmentMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(body)))
	return append(buf, body...), nil
}

// readHeader parses the header and returns the offset of the first record.
func readHeader(r io.Reader) (segmentHeader, int64, error) {
	var h segmentHeader
	prefix := make([]byte, len(segmentMagic)+2)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return h, 0, fmt.Errorf("read segment header: %w", err)
	}
	if string(prefix[:len(segmentMagic)]) != segmentMagic {
		return h, 0, fmt.Errorf("not a segment file (bad magic)")
	}
	n := binary.LittleEndian.Uint16(prefix[len(segmentMagic):])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, 0, fmt.Errorf("read segment header: %w", err)
	}
	if err := json.Unmarshal(body, &h); err != nil {
		return h, 0, fmt.Errorf("decode segment header: %w", err)
	}
	return h, int64(len(prefix)) + int64(n), nil
}

func encodeRecord(data []byte) []byte {
	buf := make([]byte, frameSize, frameSize+len(data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(data)))
	binary.LittleEndian.PutUint32(buf[4:8], crc32.Checksum(data, crcTable))
	return append(buf, data...)
}

// readRecord reads one record frame from r. io.EOF means a clean end;
// errTornRecord means a partial or corrupt frame.
func readRecord(r io.Reader) ([]byte, error) {
	var frame [frameSize]byte
	n, err := io.ReadFull(r, frame[:])
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil || n < frameSize {
		return nil, errTornRecord
	}
	length := binary.LittleEndian.Uint32(frame[0:4])
	if length == 0 || length > maxRecordBytes {
		return nil, errTornRecord
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errTornRecord
	}
	if crc32.Checksum(data, crcTable) != binary.LittleEndian.Uint32(frame[4:8]) {
		return nil, errTornRecord
	}
	return data, nil
}

// segmentWriter appends records to an active segment file.
type segmentWriter struct {
	header  segmentHeader
	path    string
	file    *os.File
	size    int64
	count   int
	firstTS uint64
	lastTS  uint64
	created int64
}

func createSegment(path string, h segmentHeader) (*segmentWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create segment: %w", err)
	}
	hdr, err := encodeHeader(h)
	if err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return nil, fmt.Errorf("sync segment header: %w", err)
	}
	return &segmentWriter{header: h, path: path, file: f, size: int64(len(hdr)), created: h.Created}, nil
}

// openSegmentForAppend reopens an active segment, truncating any torn tail.
// It returns the writer and the entries found after the header.
func openSegmentForAppend(path string) (*segmentWriter, []scannedRecord, error) {
	h, records, end, err := scanSegmentFile(path)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open segment: %w", err)
	}
	if err := f.Truncate(end); err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("truncate torn tail: %w", err)
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, nil, err
	}
	w := &segmentWriter{header: h, path: path, file: f, size: end, count: len(records), created: h.Created}
	for _, rec := range records {
		if w.firstTS == 0 {
			w.firstTS = rec.entry.Timestamp
		}
		w.lastTS = rec.entry.Timestamp
	}
	return w, records, nil
}

// append writes one record and returns its offset. On a failed write the file
// is truncated back so a partial frame never survives.
func (w *segmentWriter) append(data []byte, fsync bool) (int64, error) {
	offset := w.size
	rec := encodeRecord(data)
	if _, err := w.file.Write(rec); err != nil {
		_ = w.truncate(offset)
		return 0, fmt.Errorf("write record: %w", err)
	}
	if fsync {
		if err := w.file.Sync(); err != nil {
			_ = w.truncate(offset)
			return 0, fmt.Errorf("sync record: %w", err)
		}
	}
	w.size += int64(len(rec))
	return offset, nil
}

func (w *segmentWriter) truncate(size int64) error {
	if err := w.file.Truncate(size); err != nil {
		return err
	}
	_, err := w.file.Seek(size, io.SeekStart)
	w.size = size
	return err
}

func (w *segmentWriter) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

type scannedRecord struct {
	offset int64
	entry  ir.LogEntry
}

// scanSegmentFile reads an uncompressed segment and returns every complete
// record and the offset just past the last one.
func scanSegmentFile(path string) (segmentHeader, []scannedRecord, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return segmentHeader{}, nil, 0, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()
	return scanSegment(bufio.NewReader(f))
}

func scanSegmentBytes(data []byte) (segmentHeader, []scannedRecord, int64, error) {
	return scanSegment(bytes.NewReader(data))
}

func scanSegment(r io.Reader) (segmentHeader, []scannedRecord, int64, error) {
	h, offset, err := readHeader(r)
	if err != nil {
		return h, nil, 0, err
	}
	var out []scannedRecord
	for {
		data, err := readRecord(r)
		if err == io.EOF || errors.Is(err, errTornRecord) {
			return h, out, offset, nil
		}
		e, err := ir.UnmarshalEntry(data)
		if err != nil {
			return h, out, offset, fmt.Errorf("segment %s at offset %d: %w", h.ID, offset, err)
		}
		out = append(out, scannedRecord{offset: offset, entry: e})
		offset += frameSize + int64(len(data))
	}
}

// recordAt decodes the record at offset within an uncompressed segment image.
func recordAt(data []byte, offset int64) ([]byte, error) {
	if offset < 0 || offset >= int64(len(data)) {
		return nil, fmt.Errorf("offset %d outside segment", offset)
	}
	rec, err := readRecord(bytes.NewReader(data[offset:]))
	if err != nil {
		return nil, fmt.Errorf("record at %d: %w", offset, err)
	}
	return rec, nil
}

// readRecordFile reads one record at offset from an uncompressed file.
func readRecordFile(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, err
	}
	rec, err := readRecord(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("record at %d: %w", offset, err)
	}
	return rec, nil
}
