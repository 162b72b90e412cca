package fec

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"binaric/package/shared"
)

func TestCRCSingleBitFlip(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	for _, n := range []int{1, 2, 17, 200, 1024} {
		data := make([]byte, n)
		r.Read(data)
		crc := ComputeCRC(data)
		require.True(t, VerifyCRC(data, crc))
		for bit := 0; bit < 8*n; bit++ {
			data[bit/8] ^= 1 << (bit % 8)
			require.False(t, VerifyCRC(data, crc), "n=%d bit=%d", n, bit)
			data[bit/8] ^= 1 << (bit % 8)
		}
	}
}

func TestCRCParts(t *testing.T) {
	a, b := []byte("hello, "), []byte("world")
	require.Equal(t, ComputeCRC([]byte("hello, world")), ComputeCRCParts(a, b))
	require.Equal(t, ComputeCRC(nil), ComputeCRCParts())
}

func TestHeaderCheck(t *testing.T) {
	h := []byte{0, 0, 0, 1, 0, 0, 0, 2, 3, 4, 0, 9, 1, 2, 3, 4}
	c := HeaderCheck(h)
	h[5] ^= 0x10
	require.NotEqual(t, c, HeaderCheck(h))
}

func TestEncodedLen(t *testing.T) {
	tests := []struct {
		n, parity, want int
	}{
		{0, 16, 0},
		{1, 16, 17},
		{239, 16, 255},
		{240, 16, 255 + 17},
		{1000, 32, 1000 + 5*32},
	}
	for _, tt := range tests {
		got := EncodedLen(tt.n, tt.parity)
		require.Equal(t, tt.want, got, "EncodedLen(%d,%d)", tt.n, tt.parity)
		back, err := DecodedLen(got, tt.parity)
		require.NoError(t, err)
		require.Equal(t, tt.n, back)
	}
	_, err := DecodedLen(255+16, 16)
	require.ErrorIs(t, err, shared.ErrMalformed)
}

func corrupt(r *rand.Rand, data []byte, positions []int) {
	for _, p := range positions {
		data[p] ^= byte(1 + r.Intn(255))
	}
}

func TestDecodeWithinCapacity(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for _, parity := range []int{2, 8, 16, 32} {
		for _, n := range []int{1, 50, 239, 600} {
			data := make([]byte, n)
			r.Read(data)
			enc := EncodeBlock(data, parity)
			// t errors in every block
			bad := append([]byte(nil), enc...)
			for off := 0; off < len(bad); off += BlockSize {
				end := off + BlockSize
				if end > len(bad) {
					end = len(bad)
				}
				perm := r.Perm(end - off)[:parity/2]
				for i := range perm {
					perm[i] += off
				}
				corrupt(r, bad, perm)
			}
			got, fixed, err := DecodeBlock(bad, parity)
			require.NoError(t, err, "parity=%d n=%d", parity, n)
			require.True(t, bytes.Equal(data, got), "parity=%d n=%d", parity, n)
			require.Equal(t, (len(enc)+BlockSize-1)/BlockSize*(parity/2), fixed)
		}
	}
}

func TestDecodeErasures(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	parity := 16
	data := make([]byte, 100)
	r.Read(data)
	enc := EncodeBlock(data, parity)

	// parity erasures, no errors
	erasures := r.Perm(len(enc))[:parity]
	bad := append([]byte(nil), enc...)
	corrupt(r, bad, erasures)
	got, _, err := DecodeBlockErasures(bad, parity, erasures)
	require.NoError(t, err)
	require.Equal(t, data, got)

	// 2e+f == parity
	pos := r.Perm(len(enc))[:12]
	bad = append([]byte(nil), enc...)
	corrupt(r, bad, pos)
	got, _, err = DecodeBlockErasures(bad, parity, pos[:8])
	require.NoError(t, err)
	require.Equal(t, data, got)

	// an erasure flag on a correct symbol costs capacity but still decodes
	got, fixed, err := DecodeBlockErasures(enc, parity, []int{3, 3, 9})
	require.NoError(t, err)
	require.Equal(t, 0, fixed)
	require.Equal(t, data, got)
}

func TestDecodeBeyondCapacity(t *testing.T) {
	r := rand.New(rand.NewSource(99))
	const trials = 200
	for _, parity := range []int{8, 16} {
		rejected, wrong := 0, 0
		for i := 0; i < trials; i++ {
			data := make([]byte, 40)
			r.Read(data)
			enc := EncodeBlock(data, parity)
			corrupt(r, enc, r.Perm(len(enc))[:parity/2+1])
			got, _, err := DecodeBlock(enc, parity)
			switch {
			case err != nil:
				require.True(t, errors.Is(err, shared.ErrUncorrectable))
				require.True(t, errors.Is(err, shared.ErrIntegrity))
				require.Nil(t, got)
				rejected++
			case !bytes.Equal(got, data):
				wrong++
			default:
				t.Fatalf("t+1 errors decoded to the original data")
			}
		}
		require.GreaterOrEqual(t, rejected, trials*9/10, "parity=%d rejected=%d wrong=%d", parity, rejected, wrong)
	}
}

func TestCodecLevels(t *testing.T) {
	raw := []byte("binaric frame body")
	for _, p := range []shared.Parameters{
		shared.NewParameters(shared.FSK, shared.LevelNone, 0, 300),
		shared.NewParameters(shared.PSK, shared.LevelCRC, 0, 1200),
		shared.NewParameters(shared.QAM, shared.LevelECC, 8, 2400),
	} {
		c, err := NewCodec(p)
		require.NoError(t, err)
		enc := c.Encode(raw)
		require.Len(t, enc, c.EncodedLen(len(raw)))
		if p.Level == shared.LevelECC {
			enc[0] ^= 0xff
		}
		got, fixed, err := c.CorrectErrors(enc, nil)
		require.NoError(t, err)
		require.Equal(t, raw, got)
		if p.Level == shared.LevelECC {
			require.Equal(t, 1, fixed)
		}
	}
	_, err := NewCodec(shared.Parameters{Level: shared.LevelECC})
	require.Error(t, err)
}
