package container

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"binaric/package/shared"
)

func TestWAVRoundTrip(t *testing.T) {
	payload := make([]byte, 1000)
	rand.New(rand.NewSource(1)).Read(payload)
	opts := Options{Params: shared.NewParameters(shared.QAM, shared.LevelECC, 16, 2400), MaxFrameSize: 100}

	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	require.NoError(t, err)
	h, err := Encode(f, "cafe\u0301.bin", payload, opts)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.Equal(t, 10, h.Frames)
	require.Equal(t, "caf\u00e9.bin", h.Name)

	f, err = os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	got, data, err := Decode(f)
	require.NoError(t, err)
	require.True(t, bytes.Equal(payload, data))
	require.Equal(t, h.ID, got.ID)
	require.Equal(t, "caf\u00e9.bin", got.Name)
	require.Equal(t, len(payload), got.Size)
	require.True(t, got.Params.Same(opts.Params))
	require.Equal(t, 10, got.Frames)
}

func TestRenderRecover(t *testing.T) {
	tests := []struct {
		name   string
		params shared.Parameters
		size   int
	}{
		{"fsk ecc", shared.NewParameters(shared.FSK, shared.LevelECC, 32, 1200), 300},
		{"psk crc", shared.NewParameters(shared.PSK, shared.LevelCRC, 0, 2400), 450},
		{"qam none", shared.NewParameters(shared.QAM, shared.LevelNone, 0, 2400), 10},
		{"empty", shared.NewParameters(shared.PSK, shared.LevelECC, 8, 1200), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := bytes.Repeat([]byte("binaric!"), tt.size/8+1)[:tt.size]
			h, samples, err := Render("x", payload, Options{Params: tt.params})
			require.NoError(t, err)
			got, data, err := Recover(samples)
			require.NoError(t, err)
			require.Equal(t, h.ID, got.ID)
			require.Equal(t, payload, data)
		})
	}
}

func TestRecoverSilence(t *testing.T) {
	_, _, err := Recover(make([]float64, 48000))
	require.ErrorIs(t, err, shared.ErrSignal)
	require.ErrorIs(t, err, shared.ErrPreambleTimeout)
}

func TestRecoverTruncated(t *testing.T) {
	payload := bytes.Repeat([]byte{0xa5}, 600)
	opts := Options{Params: shared.NewParameters(shared.PSK, shared.LevelCRC, 0, 2400), MaxFrameSize: 200}
	_, samples, err := Render("cut", payload, opts)
	require.NoError(t, err)
	// drop the last frame's burst and the trailing silence
	_, _, err = Recover(samples[:len(samples)*3/4])
	require.ErrorIs(t, err, shared.ErrIntegrity)
	require.ErrorIs(t, err, shared.ErrIncomplete)
}

func TestRenderRejectsBadParams(t *testing.T) {
	_, _, err := Render("x", []byte("a"), Options{Params: shared.Parameters{Scheme: shared.QAM, Level: shared.LevelECC, Parity: 3, Rate: 2400}})
	require.Error(t, err)
}
