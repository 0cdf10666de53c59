package model

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WeightsFileName holds the tensors of a saved model.
const WeightsFileName = "model.bin"

const (
	weightsVersion = 1
	maxNameLen     = 1 << 10
	maxRank        = 8
)

var weightsMagic = [4]byte{'M', 'L', 'M', 'W'}

// ErrBadWeights indicates a weights file that does not match the model.
var ErrBadWeights = errors.New("weights do not match model")

// WriteWeights encodes every parameter. Format (little-endian):
// [magic 'MLMW'] [u32 version] [u32 count]
// then per tensor [u32 nameLen] [name] [u32 ndim] [u32 dims...] [f32 data...]
func (m *Model) WriteWeights(w io.Writer) error {
	bw := bufio.NewWriter(w)
	le := binary.LittleEndian
	ps := m.Parameters()

	if _, err := bw.Write(weightsMagic[:]); err != nil {
		return err
	}
	header := []uint32{weightsVersion, uint32(len(ps))}
	if err := binary.Write(bw, le, header); err != nil {
		return err
	}
	for _, p := range ps {
		if err := binary.Write(bw, le, uint32(len(p.Name))); err != nil {
			return err
		}
		if _, err := bw.WriteString(p.Name); err != nil {
			return err
		}
		dims := make([]uint32, 0, len(p.Shape)+1)
		dims = append(dims, uint32(len(p.Shape)))
		for _, d := range p.Shape {
			dims = append(dims, uint32(d))
		}
		if err := binary.Write(bw, le, dims); err != nil {
			return err
		}
		if err := binary.Write(bw, le, p.Data); err != nil {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
	}
	return bw.Flush()
}

// ReadWeights loads tensors written by WriteWeights. Every model parameter
// must be present with an identical shape.
func (m *Model) ReadWeights(r io.Reader) error {
	br := bufio.NewReader(r)
	le := binary.LittleEndian

	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return err
	}
	if magic != weightsMagic {
		return fmt.Errorf("%w: bad magic %q", ErrBadWeights, magic[:])
	}
	var header [2]uint32
	if err := binary.Read(br, le, &header); err != nil {
		return err
	}
	if header[0] != weightsVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadWeights, header[0])
	}

	byName := make(map[string]*Param)
	for _, p := range m.Parameters() {
		byName[p.Name] = p
	}
	seen := make(map[string]bool, len(byName))
	for i := uint32(0); i < header[1]; i++ {
		var nameLen uint32
		if err := binary.Read(br, le, &nameLen); err != nil {
			return err
		}
		if nameLen > maxNameLen {
			return fmt.Errorf("%w: tensor name of %d bytes", ErrBadWeights, nameLen)
		}
		name := make([]byte, nameLen)
		if _, err := io.ReadFull(br, name); err != nil {
			return err
		}
		var ndim uint32
		if err := binary.Read(br, le, &ndim); err != nil {
			return err
		}
		if ndim > maxRank {
			return fmt.Errorf("%w: %s has rank %d", ErrBadWeights, name, ndim)
		}
		raw := make([]uint32, ndim)
		if err := binary.Read(br, le, raw); err != nil {
			return err
		}
		shape := make([]int, ndim)
		for j, d := range raw {
			shape[j] = int(d)
		}

		p, ok := byName[string(name)]
		if !ok {
			return fmt.Errorf("%w: unexpected tensor %s", ErrBadWeights, name)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate tensor %s", ErrBadWeights, name)
		}
		if !sameShape(p.Shape, shape) {
			return fmt.Errorf("%w: %s has shape %v, model expects %s", ErrBadWeights, name, shape, p.ShapeString())
		}
		if err := binary.Read(br, le, p.Data); err != nil {
			return fmt.Errorf("read %s: %w", name, err)
		}
		seen[p.Name] = true
	}
	if len(seen) != len(byName) {
		return fmt.Errorf("%w: file has %d of %d tensors", ErrBadWeights, len(seen), len(byName))
	}
	return nil
}

// Save writes config.json and model.bin into dir, replacing existing files.
func (m *Model) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir %s: %w", dir, err)
	}
	if err := SaveConfig(filepath.Join(dir, ConfigFileName), m.cfg); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, WeightsFileName))
	if err != nil {
		return err
	}
	if err := m.WriteWeights(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load restores a model from dir: config.json plus either model.bin written
// by Save or a HuggingFace model.safetensors.
func Load(dir string, opts ...Option) (*Model, error) {
	cfg, err := LoadConfig(filepath.Join(dir, ConfigFileName))
	if err != nil {
		return nil, err
	}
	m, err := New(cfg, opts...)
	if err != nil {
		return nil, err
	}
	path, ok := WeightsPath(dir)
	if !ok {
		return nil, fmt.Errorf("no %s or %s in %s: %w", WeightsFileName, SafetensorsFileName, dir, os.ErrNotExist)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if filepath.Base(path) == SafetensorsFileName {
		err = m.ReadSafetensors(f)
	} else {
		err = m.ReadWeights(f)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
