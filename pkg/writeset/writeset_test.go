package writeset

import (
	"testing"

	"github.com/stretchr/testify/require"
	"lukechampine.com/uint128"

	"github.com/KevoDB/mvds/pkg/aggregator"
	"github.com/KevoDB/mvds/pkg/mvhashmap"
)

var limit = uint128.From64(1 << 20)

func bytesOf(s string) *mvhashmap.Value { return mvhashmap.NewValue([]byte(s)) }

func buildBlock(t *testing.T) *mvhashmap.MVHashMap {
	t.Helper()
	m := mvhashmap.New(mvhashmap.WithShardCount(2))
	d := m.Data()

	d.SetBaseValue("untouched", bytesOf("base"), nil)
	d.SetBaseValue("counter", mvhashmap.Uint128Value(uint128.From64(10)), nil)
	d.AddDelta("counter", 1, aggregator.Addition(uint128.From64(5), limit))
	d.Write("b", 0, 0, bytesOf("b0"), nil)
	d.Write("b", 2, 1, bytesOf("b2"), nil)
	d.Write("a", 3, 0, mvhashmap.Deletion(), nil)
	d.AddDelta("cold", 2, aggregator.Addition(uint128.From64(1), limit))

	g := m.GroupData()
	g.SetRawBaseValues("group", map[mvhashmap.Tag]*mvhashmap.Value{"x": bytesOf("1"), "y": bytesOf("2")})
	g.Write("group", 1, 0, map[mvhashmap.Tag]mvhashmap.TaggedValue{"z": {Value: bytesOf("3")}},
		mvhashmap.GroupSize{NumTags: 2, TotalBytes: 4}, []mvhashmap.Tag{"y"})
	g.SetRawBaseValues("seeded-only", map[mvhashmap.Tag]*mvhashmap.Value{"x": bytesOf("1")})
	return m
}

func coldStorage() mvhashmap.Resolver {
	return mvhashmap.ResolverFunc(func(key mvhashmap.Key) ([]byte, bool, error) {
		if key == "cold" {
			return mvhashmap.Uint128Value(uint128.From64(41)).Bytes(), true, nil
		}
		return nil, false, nil
	})
}

func TestFromMVHashMap(t *testing.T) {
	m := buildBlock(t)
	ws, err := FromMVHashMap(m, 4, coldStorage())
	require.NoError(t, err)

	require.Equal(t, mvhashmap.TxnIndex(4), ws.BlockSize)
	require.Equal(t, []Entry{
		{Key: "a", Deleted: true, Version: mvhashmap.Version{TxnIndex: 3}},
		{Key: "b", Value: []byte("b2"), Version: mvhashmap.Version{TxnIndex: 2, Incarnation: 1}},
		{Key: "cold", Value: mvhashmap.Uint128Value(uint128.From64(42)).Bytes(), Aggregated: true},
		{Key: "counter", Value: mvhashmap.Uint128Value(uint128.From64(15)).Bytes(), Aggregated: true},
	}, ws.Entries)

	require.Len(t, ws.Groups, 1)
	group := ws.Groups[0]
	require.Equal(t, mvhashmap.Key("group"), group.Key)
	require.Equal(t, mvhashmap.GroupSize{NumTags: 2, TotalBytes: 4}, group.Size)
	require.Equal(t, []TagEntry{
		{Tag: "x", Value: []byte("1"), Version: mvhashmap.StorageVersion},
		{Tag: "z", Value: []byte("3"), Version: mvhashmap.Version{TxnIndex: 1}},
	}, group.Tags)
	require.Equal(t, 5, ws.Len())
}

func TestFromMVHashMapSeesOnlyBlockPrefix(t *testing.T) {
	m := buildBlock(t)
	ws, err := FromMVHashMap(m, 1, coldStorage())
	require.NoError(t, err)

	require.Equal(t, []Entry{
		{Key: "b", Value: []byte("b0"), Version: mvhashmap.Version{TxnIndex: 0}},
	}, ws.Entries)
	require.Empty(t, ws.Groups)
}

func TestFromMVHashMapErrors(t *testing.T) {
	m := buildBlock(t)
	_, err := FromMVHashMap(m, 4, nil)
	_, unresolved := mvhashmap.IsUnresolved(err)
	require.True(t, unresolved, "expected unresolved delta error, got %v", err)

	m.Data().MarkEstimate("b", 2)
	_, err = FromMVHashMap(m, 4, coldStorage())
	require.ErrorIs(t, err, ErrIncomplete)

	m.Data().Write("b", 2, 2, bytesOf("b2"), nil)
	m.GroupData().MarkEstimate("group", 1, []mvhashmap.Tag{"z"})
	_, err = FromMVHashMap(m, 4, coldStorage())
	require.ErrorIs(t, err, ErrIncomplete)
}

func TestEncodeDecode(t *testing.T) {
	ws, err := FromMVHashMap(buildBlock(t), 4, coldStorage())
	require.NoError(t, err)

	c, err := NewCompressor()
	require.NoError(t, err)
	defer c.Close()

	for _, codec := range []Codec{CodecNone, CodecSnappy, CodecZstd} {
		t.Run(codec.String(), func(t *testing.T) {
			data, err := c.Encode(ws, codec)
			require.NoError(t, err)

			again, err := c.Encode(ws, codec)
			require.NoError(t, err)
			require.Equal(t, data, again, "encoding must be deterministic")

			decoded, err := c.Decode(data)
			require.NoError(t, err)
			require.Equal(t, ws, decoded)
		})
	}
}

func TestEncodeEmpty(t *testing.T) {
	c, err := NewCompressor()
	require.NoError(t, err)
	defer c.Close()

	data, err := c.Encode(&WriteSet{BlockSize: 7}, CodecZstd)
	require.NoError(t, err)
	decoded, err := c.Decode(data)
	require.NoError(t, err)
	require.Equal(t, &WriteSet{BlockSize: 7}, decoded)
}

func TestDecodeRejectsCorruptData(t *testing.T) {
	c, err := NewCompressor()
	require.NoError(t, err)
	defer c.Close()

	ws, err := FromMVHashMap(buildBlock(t), 4, coldStorage())
	require.NoError(t, err)
	data, err := c.Encode(ws, CodecSnappy)
	require.NoError(t, err)

	_, err = c.Decode(data[:5])
	require.ErrorIs(t, err, ErrInvalidFormat)

	bad := append([]byte{}, data...)
	bad[0] = 'X'
	_, err = c.Decode(bad)
	require.ErrorIs(t, err, ErrInvalidFormat)

	bad = append([]byte{}, data...)
	bad[len(bad)-1] ^= 0xff
	_, err = c.Decode(bad)
	require.ErrorIs(t, err, ErrInvalidChecksum)

	bad = append([]byte{}, data...)
	bad[5] = 9
	_, err = c.Decode(bad)
	require.ErrorIs(t, err, ErrUnknownCodec)

	raw, err := c.Encode(ws, CodecNone)
	require.NoError(t, err)
	_, err = unmarshal(raw[headerSize : len(raw)-3])
	require.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseCodec(t *testing.T) {
	for name, want := range map[string]Codec{"": CodecNone, "none": CodecNone, "Snappy": CodecSnappy, " zstd ": CodecZstd} {
		got, err := ParseCodec(name)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseCodec("lz4")
	require.ErrorIs(t, err, ErrUnknownCodec)
}
