package variogram

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Array names of the persisted surface bundle
const (
	ArrayVariogram = "variogram"
	ArraySpaceBins = "bins_space"
	ArrayTimeBins  = "bins_time"
	ArrayCounts    = "samples_per_bin"
)

var bundleMagic = [8]byte{'S', 'T', 'K', 'V', 'G', 'B', 'N', '1'}

// WriteTo writes the surface as a named-array bundle. Every array is encoded
// with gonum's binary matrix format, which stores the raw IEEE-754 bits, so a
// bundle reads back bit-identical (NaN bins included).
func (s *Surface) WriteTo(w io.Writer) (int64, error) {
	var total int64

	if err := binary.Write(w, binary.LittleEndian, bundleMagic); err != nil {
		return total, fmt.Errorf("error writing bundle header: %w", err)
	}
	total += int64(len(bundleMagic))

	arrays := []struct {
		name string
		m    interface{ MarshalBinaryTo(io.Writer) (int, error) }
	}{
		{ArrayVariogram, s.Values},
		{ArraySpaceBins, mat.NewVecDense(len(s.SpaceBins), s.SpaceBins)},
		{ArrayTimeBins, mat.NewVecDense(len(s.TimeBins), s.TimeBins)},
		{ArrayCounts, s.Counts},
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(arrays))); err != nil {
		return total, fmt.Errorf("error writing bundle header: %w", err)
	}
	total += 4

	for _, a := range arrays {
		if err := binary.Write(w, binary.LittleEndian, uint16(len(a.name))); err != nil {
			return total, fmt.Errorf("error writing array name: %w", err)
		}
		n, err := io.WriteString(w, a.name)
		total += 2 + int64(n)
		if err != nil {
			return total, fmt.Errorf("error writing array name: %w", err)
		}

		n, err = a.m.MarshalBinaryTo(w)
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("error writing array %s: %w", a.name, err)
		}
	}

	return total, nil
}

// ReadSurface reads a bundle written by WriteTo
func ReadSurface(r io.Reader) (*Surface, error) {
	var magic [8]byte
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, fmt.Errorf("error reading bundle header: %w", err)
	}
	if magic != bundleMagic {
		return nil, fmt.Errorf("not a variogram bundle")
	}

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("error reading bundle header: %w", err)
	}

	s := &Surface{}
	for k := uint32(0); k < count; k++ {
		var nameLen uint16
		if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
			return nil, fmt.Errorf("error reading array name: %w", err)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(r, name); err != nil {
			return nil, fmt.Errorf("error reading array name: %w", err)
		}

		switch string(name) {
		case ArrayVariogram, ArrayCounts:
			var m mat.Dense
			if _, err := m.UnmarshalBinaryFrom(r); err != nil {
				return nil, fmt.Errorf("error reading array %s: %w", name, err)
			}
			if string(name) == ArrayVariogram {
				s.Values = &m
			} else {
				s.Counts = &m
			}
		case ArraySpaceBins, ArrayTimeBins:
			var v mat.VecDense
			if _, err := v.UnmarshalBinaryFrom(r); err != nil {
				return nil, fmt.Errorf("error reading array %s: %w", name, err)
			}
			bins := make([]float64, v.Len())
			for i := range bins {
				bins[i] = v.AtVec(i)
			}
			if string(name) == ArraySpaceBins {
				s.SpaceBins = bins
			} else {
				s.TimeBins = bins
			}
		default:
			return nil, fmt.Errorf("unknown array %q in bundle", name)
		}
	}

	if s.Values == nil || s.Counts == nil || s.SpaceBins == nil || s.TimeBins == nil {
		return nil, fmt.Errorf("incomplete bundle: need %s, %s, %s and %s",
			ArrayVariogram, ArraySpaceBins, ArrayTimeBins, ArrayCounts)
	}
	nS, nT := s.Dims()
	if r, c := s.Values.Dims(); r != nS || c != nT {
		return nil, fmt.Errorf("variogram grid is %dx%d, bins are %dx%d", r, c, nS, nT)
	}
	if r, c := s.Counts.Dims(); r != nS || c != nT {
		return nil, fmt.Errorf("sample count grid is %dx%d, bins are %dx%d", r, c, nS, nT)
	}
	return s, nil
}

// Save writes the surface bundle to path, creating parent directories
func (s *Surface) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating bundle directory: %w", err)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating bundle file: %w", err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	if _, err := s.WriteTo(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("error writing bundle file: %w", err)
	}
	return f.Close()
}

// LoadSurface reads a surface bundle from path
func LoadSurface(path string) (*Surface, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening bundle file: %w", err)
	}
	defer f.Close()

	return ReadSurface(bufio.NewReader(f))
}
