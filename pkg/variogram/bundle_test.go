package variogram

import (
	"bytes"
	"math"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSurface() *Surface {
	s := NewSurface(3, 10, 3, 4)
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			if (i+j)%3 == 0 {
				continue // leave NaN holes
			}
			s.Values.Set(i, j, 0.1*float64(i+1)+0.01*float64(j)+1e-17)
			s.Counts.Set(i, j, float64(10*i+j))
		}
	}
	return s
}

func assertSameBits(t *testing.T, want, got []float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, math.Float64bits(want[i]), math.Float64bits(got[i]), "element %d", i)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	s := sampleSurface()

	var buf bytes.Buffer
	n, err := s.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	got, err := ReadSurface(&buf)
	require.NoError(t, err)

	assertSameBits(t, s.Values.RawMatrix().Data, got.Values.RawMatrix().Data)
	assertSameBits(t, s.Counts.RawMatrix().Data, got.Counts.RawMatrix().Data)
	assertSameBits(t, s.SpaceBins, got.SpaceBins)
	assertSameBits(t, s.TimeBins, got.TimeBins)
	assert.True(t, math.IsNaN(got.Values.At(0, 0)))
}

func TestBundleSaveLoad(t *testing.T) {
	s := sampleSurface()
	path := filepath.Join(t.TempDir(), "nested", "surface.stkv")

	require.NoError(t, s.Save(path))
	got, err := LoadSurface(path)
	require.NoError(t, err)

	nS, nT := got.Dims()
	assert.Equal(t, 3, nS)
	assert.Equal(t, 4, nT)
	assertSameBits(t, s.Values.RawMatrix().Data, got.Values.RawMatrix().Data)
}

func TestReadSurfaceRejectsGarbage(t *testing.T) {
	_, err := ReadSurface(bytes.NewReader([]byte("definitely not a bundle")))
	assert.Error(t, err)

	_, err = ReadSurface(bytes.NewReader(nil))
	assert.Error(t, err)

	// a valid header followed by a truncated body
	var buf bytes.Buffer
	_, err = sampleSurface().WriteTo(&buf)
	require.NoError(t, err)
	_, err = ReadSurface(bytes.NewReader(buf.Bytes()[:buf.Len()/2]))
	assert.Error(t, err)

	_, err = LoadSurface(filepath.Join(t.TempDir(), "missing.stkv"))
	assert.Error(t, err)
}
