package writeset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/KevoDB/mvds/pkg/mvhashmap"
)

var (
	// ErrInvalidFormat indicates data that is not an encoded write-set
	ErrInvalidFormat = errors.New("invalid write-set format")

	// ErrInvalidChecksum indicates a checksum validation failure during decoding
	ErrInvalidChecksum = errors.New("invalid checksum")
)

const (
	formatVersion = 1
	// magic(4) + version(1) + codec(1) + checksum(4)
	headerSize = 10
)

var magic = [4]byte{'M', 'V', 'W', 'S'}

// entry flags
const (
	flagDeleted byte = 1 << iota
	flagAggregated
	flagStorage
)

// Encode serializes ws and compresses the payload with codec. The output
// is deterministic for a given write-set and codec.
func (c *Compressor) Encode(ws *WriteSet, codec Codec) ([]byte, error) {
	payload, err := c.compress(marshal(ws), codec)
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize, headerSize+len(payload))
	copy(out, magic[:])
	out[4] = formatVersion
	out[5] = byte(codec)
	binary.LittleEndian.PutUint32(out[6:10], crc32.ChecksumIEEE(payload))
	return append(out, payload...), nil
}

// Decode parses data produced by Encode.
func (c *Compressor) Decode(data []byte) (*WriteSet, error) {
	if len(data) < headerSize || [4]byte(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrInvalidFormat)
	}
	if data[4] != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidFormat, data[4])
	}

	payload := data[headerSize:]
	if crc32.ChecksumIEEE(payload) != binary.LittleEndian.Uint32(data[6:10]) {
		return nil, ErrInvalidChecksum
	}

	raw, err := c.decompress(payload, Codec(data[5]))
	if err != nil {
		return nil, err
	}
	return unmarshal(raw)
}

func versionFlags(v mvhashmap.Version) byte {
	if v.Storage {
		return flagStorage
	}
	return 0
}

func marshal(ws *WriteSet) []byte {
	var buf []byte
	buf = binary.LittleEndian.AppendUint32(buf, uint32(ws.BlockSize))

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ws.Entries)))
	for _, e := range ws.Entries {
		flags := versionFlags(e.Version)
		if e.Deleted {
			flags |= flagDeleted
		}
		if e.Aggregated {
			flags |= flagAggregated
		}
		buf = append(buf, flags)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Version.TxnIndex))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(e.Version.Incarnation))
		buf = appendBytes(buf, []byte(e.Key))
		buf = appendBytes(buf, e.Value)
	}

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ws.Groups)))
	for _, g := range ws.Groups {
		buf = appendBytes(buf, []byte(g.Key))
		buf = binary.LittleEndian.AppendUint64(buf, g.Size.NumTags)
		buf = binary.LittleEndian.AppendUint64(buf, g.Size.TotalBytes)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(g.Tags)))
		for _, t := range g.Tags {
			buf = append(buf, versionFlags(t.Version))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(t.Version.TxnIndex))
			buf = binary.LittleEndian.AppendUint32(buf, uint32(t.Version.Incarnation))
			buf = appendBytes(buf, []byte(t.Tag))
			buf = appendBytes(buf, t.Value)
		}
	}
	return buf
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// reader consumes a payload and remembers the first error.
type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated payload", ErrInvalidFormat)
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) readByte() byte {
	if b := r.take(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) readUint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) readUint64() uint64 {
	if b := r.take(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) readBytes() []byte {
	n := r.readUint32()
	b := r.take(int(n))
	if len(b) == 0 {
		return nil
	}
	return append([]byte{}, b...)
}

// count reads a collection length, bounded by the remaining payload.
func (r *reader) count(minSize int) int {
	n := int(r.readUint32())
	if r.err == nil && n*minSize > len(r.data) {
		r.err = fmt.Errorf("%w: count %d exceeds payload", ErrInvalidFormat, n)
		return 0
	}
	return n
}

func (r *reader) version(flags byte) mvhashmap.Version {
	v := mvhashmap.Version{
		TxnIndex:    mvhashmap.TxnIndex(r.readUint32()),
		Incarnation: mvhashmap.Incarnation(r.readUint32()),
	}
	if flags&flagStorage != 0 {
		return mvhashmap.StorageVersion
	}
	return v
}

func unmarshal(data []byte) (*WriteSet, error) {
	r := &reader{data: data}
	ws := &WriteSet{BlockSize: mvhashmap.TxnIndex(r.readUint32())}

	if n := r.count(17); n > 0 {
		ws.Entries = make([]Entry, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			flags := r.readByte()
			version := r.version(flags)
			ws.Entries = append(ws.Entries, Entry{
				Version:    version,
				Key:        mvhashmap.Key(r.readBytes()),
				Value:      r.readBytes(),
				Deleted:    flags&flagDeleted != 0,
				Aggregated: flags&flagAggregated != 0,
			})
		}
	}

	if n := r.count(24); n > 0 {
		ws.Groups = make([]GroupEntry, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			g := GroupEntry{Key: mvhashmap.Key(r.readBytes())}
			g.Size.NumTags = r.readUint64()
			g.Size.TotalBytes = r.readUint64()
			if tags := r.count(17); tags > 0 {
				g.Tags = make([]TagEntry, 0, tags)
				for j := 0; j < tags && r.err == nil; j++ {
					flags := r.readByte()
					version := r.version(flags)
					g.Tags = append(g.Tags, TagEntry{
						Version: version,
						Tag:     mvhashmap.Tag(r.readBytes()),
						Value:   r.readBytes(),
					})
				}
			}
			ws.Groups = append(ws.Groups, g)
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFormat, len(r.data))
	}
	return ws, nil
}
