package model

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// SafetensorsFileName is the HuggingFace weights file of a pretrained snapshot.
const SafetensorsFileName = "model.safetensors"

const (
	maxSafetensorsHeader = 100 << 20
	metadataKey          = "__metadata__"
)

type tensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// aliases name tensors that duplicate a model parameter. They are read only
// when the primary tensor is absent from the file.
var aliases = map[string]string{
	"predictions.decoder.weight": "albert.embeddings.word_embeddings.weight",
	"predictions.decoder.bias":   "predictions.bias",
}

// canonicalName maps a HuggingFace state-dict key onto a parameter name.
// Keys of a bare AlbertModel lack the "albert." prefix and converted TF
// checkpoints call LayerNorm parameters gamma and beta.
func canonicalName(key string) string {
	switch {
	case strings.HasPrefix(key, "embeddings."), strings.HasPrefix(key, "encoder."), strings.HasPrefix(key, "pooler."):
		key = "albert." + key
	}
	if base, ok := strings.CutSuffix(key, ".gamma"); ok {
		key = base + ".weight"
	} else if base, ok := strings.CutSuffix(key, ".beta"); ok {
		key = base + ".bias"
	}
	return key
}

func isHeadParam(name string) bool {
	return strings.HasPrefix(name, "predictions.")
}

// ReadSafetensors loads an AlbertForMaskedLM (or AlbertModel) safetensors
// file. Pooler weights and buffers are ignored. Every encoder and embedding
// parameter must be present with the model's shape; a missing MLM head keeps
// its initialization.
func (m *Model) ReadSafetensors(r io.ReaderAt) error {
	var lenBuf [8]byte
	if _, err := r.ReadAt(lenBuf[:], 0); err != nil {
		return fmt.Errorf("read safetensors header length: %w", err)
	}
	headerLen := binary.LittleEndian.Uint64(lenBuf[:])
	if headerLen == 0 || headerLen > maxSafetensorsHeader {
		return fmt.Errorf("%w: safetensors header of %d bytes", ErrBadWeights, headerLen)
	}
	raw := make([]byte, headerLen)
	if _, err := r.ReadAt(raw, 8); err != nil {
		return fmt.Errorf("read safetensors header: %w", err)
	}
	var header map[string]json.RawMessage
	if err := json.Unmarshal(raw, &header); err != nil {
		return fmt.Errorf("%w: safetensors header: %v", ErrBadWeights, err)
	}
	dataStart := int64(8 + headerLen)

	byName := make(map[string]*Param)
	for _, p := range m.Parameters() {
		byName[p.Name] = p
	}

	targets := make(map[string]string, len(header))
	for key := range header {
		if key == metadataKey {
			continue
		}
		name := canonicalName(key)
		if _, ok := byName[name]; ok {
			targets[key] = name
		}
	}
	for key := range header {
		primary, ok := aliases[key]
		if !ok {
			continue
		}
		taken := false
		for _, name := range targets {
			if name == primary {
				taken = true
				break
			}
		}
		if !taken {
			targets[key] = primary
		}
	}

	keys := make([]string, 0, len(targets))
	for key := range targets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	seen := make(map[string]bool, len(byName))
	for _, key := range keys {
		var info tensorInfo
		if err := json.Unmarshal(header[key], &info); err != nil {
			return fmt.Errorf("%w: tensor %s: %v", ErrBadWeights, key, err)
		}
		p := byName[targets[key]]
		if !sameShape(p.Shape, info.Shape) {
			return fmt.Errorf("%w: %s has shape %v, model expects %s", ErrBadWeights, key, info.Shape, p.ShapeString())
		}
		if err := readTensor(r, dataStart, info, p.Data); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		seen[p.Name] = true
	}

	var missingHead []string
	for _, p := range m.Parameters() {
		if seen[p.Name] {
			continue
		}
		if !isHeadParam(p.Name) {
			return fmt.Errorf("%w: safetensors file lacks %s", ErrBadWeights, p.Name)
		}
		missingHead = append(missingHead, p.Name)
	}
	if len(missingHead) > 0 {
		slog.Warn("checkpoint has no MLM head, keeping initialized weights", "tensors", missingHead)
	}
	return nil
}

func readTensor(r io.ReaderAt, dataStart int64, info tensorInfo, dst []float32) error {
	var size int64
	switch info.DType {
	case "F32":
		size = 4
	case "F16", "BF16":
		size = 2
	default:
		return fmt.Errorf("%w: unsupported dtype %s", ErrBadWeights, info.DType)
	}
	begin, end := info.DataOffsets[0], info.DataOffsets[1]
	if begin < 0 || end < begin || end-begin != int64(len(dst))*size {
		return fmt.Errorf("%w: data offsets %v for %d %s values", ErrBadWeights, info.DataOffsets, len(dst), info.DType)
	}
	buf := make([]byte, end-begin)
	if _, err := r.ReadAt(buf, dataStart+begin); err != nil {
		return fmt.Errorf("read tensor data: %w", err)
	}

	le := binary.LittleEndian
	switch info.DType {
	case "F32":
		for i := range dst {
			dst[i] = math.Float32frombits(le.Uint32(buf[4*i:]))
		}
	case "F16":
		for i := range dst {
			dst[i] = halfToFloat32(le.Uint16(buf[2*i:]))
		}
	case "BF16":
		for i := range dst {
			dst[i] = math.Float32frombits(uint32(le.Uint16(buf[2*i:])) << 16)
		}
	}
	return nil
}

// halfToFloat32 widens an IEEE 754 binary16 value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch exp {
	case 0:
		// zero or subnormal: frac * 2^-24
		f := float32(frac) / (1 << 24)
		if sign != 0 {
			f = -f
		}
		return f
	case 0x1f:
		return math.Float32frombits(sign | 0x7f800000 | frac<<13)
	}
	return math.Float32frombits(sign | (exp+112)<<23 | frac<<13)
}

// WriteSafetensors encodes every parameter as F32 under its HuggingFace name.
// The tied decoder is not written; readers resolve it to the word embeddings.
func (m *Model) WriteSafetensors(w io.Writer) error {
	ps := m.Parameters()
	header := make(map[string]any, len(ps)+1)
	header[metadataKey] = map[string]string{"format": "pt"}
	var off int64
	for _, p := range ps {
		n := int64(4 * len(p.Data))
		header[p.Name] = tensorInfo{DType: "F32", Shape: p.Shape, DataOffsets: [2]int64{off, off + n}}
		off += n
	}
	raw, err := json.Marshal(header)
	if err != nil {
		return err
	}
	// pad the header so tensor data starts 8-byte aligned
	if pad := (8 - len(raw)%8) % 8; pad > 0 {
		raw = append(raw, bytes.Repeat([]byte{' '}, pad)...)
	}

	bw := bufio.NewWriter(w)
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(raw))); err != nil {
		return err
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	for _, p := range ps {
		if err := binary.Write(bw, binary.LittleEndian, p.Data); err != nil {
			return fmt.Errorf("write %s: %w", p.Name, err)
		}
	}
	return bw.Flush()
}

// SaveSafetensors writes model.safetensors into dir, replacing an existing file.
func (m *Model) SaveSafetensors(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create model dir %s: %w", dir, err)
	}
	f, err := os.Create(filepath.Join(dir, SafetensorsFileName))
	if err != nil {
		return err
	}
	if err := m.WriteSafetensors(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WeightsPath returns the weights file in dir: model.bin when present,
// otherwise model.safetensors. ok is false when neither exists.
func WeightsPath(dir string) (path string, ok bool) {
	for _, name := range []string{WeightsFileName, SafetensorsFileName} {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, true
		}
	}
	return "", false
}
