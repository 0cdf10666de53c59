package model

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rawTensor struct {
	name  string
	dtype string
	shape []int
	data  []byte
}

func f32Bytes(x []float32) []byte {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, x)
	return buf.Bytes()
}

// encodeSafetensors lays tensors out the way transformers' save_pretrained does.
func encodeSafetensors(t *testing.T, tensors []rawTensor) []byte {
	t.Helper()
	header := map[string]any{metadataKey: map[string]string{"format": "pt"}}
	var data bytes.Buffer
	for _, ts := range tensors {
		off := int64(data.Len())
		header[ts.name] = tensorInfo{DType: ts.dtype, Shape: ts.shape, DataOffsets: [2]int64{off, off + int64(len(ts.data))}}
		data.Write(ts.data)
	}
	raw, err := json.Marshal(header)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, binary.Write(&out, binary.LittleEndian, uint64(len(raw))))
	out.Write(raw)
	out.Write(data.Bytes())
	return out.Bytes()
}

// maskedLMTensors lists src's parameters under transformers' names, with the
// extra tensors an AlbertForMaskedLM checkpoint carries.
func maskedLMTensors(src *Model) []rawTensor {
	var ts []rawTensor
	for _, p := range src.Parameters() {
		ts = append(ts, rawTensor{p.Name, "F32", p.Shape, f32Bytes(p.Data)})
	}
	h := src.Config().HiddenSize
	e := src.Config().EmbeddingSize
	ts = append(ts,
		rawTensor{"albert.pooler.weight", "F32", []int{h, h}, make([]byte, 4*h*h)},
		rawTensor{"albert.pooler.bias", "F32", []int{h}, make([]byte, 4*h)},
		rawTensor{"albert.embeddings.position_ids", "I64", []int{1, 2}, make([]byte, 16)},
		rawTensor{"predictions.decoder.weight", "F32", []int{src.Config().VocabSize, e}, f32Bytes(src.wordEmb.Data)},
		rawTensor{"predictions.decoder.bias", "F32", []int{src.Config().VocabSize}, f32Bytes(src.headBias.Data)},
	)
	return ts
}

func assertSameWeights(t *testing.T, want, got *Model, names func(string) bool) {
	t.Helper()
	for i, p := range want.Parameters() {
		if names(p.Name) {
			assert.Equal(t, p.Data, got.Parameters()[i].Data, p.Name)
		}
	}
}

func all(string) bool { return true }

func TestReadSafetensorsMaskedLM(t *testing.T) {
	src := tinyModel(t, 20)
	dst, err := New(src.Config(), WithSeed(99))
	require.NoError(t, err)

	require.NoError(t, dst.ReadSafetensors(bytes.NewReader(encodeSafetensors(t, maskedLMTensors(src)))))
	assertSameWeights(t, src, dst, all)

	ids, labels := fixedBatch()
	want, err := src.Loss(ids, labels)
	require.NoError(t, err)
	got, err := dst.Loss(ids, labels)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestReadSafetensorsTiedDecoderOnly(t *testing.T) {
	src := tinyModel(t, 20)
	var ts []rawTensor
	for _, r := range maskedLMTensors(src) {
		if r.name == "albert.embeddings.word_embeddings.weight" || r.name == "predictions.bias" {
			continue
		}
		ts = append(ts, r)
	}
	dst, err := New(src.Config(), WithSeed(99))
	require.NoError(t, err)
	require.NoError(t, dst.ReadSafetensors(bytes.NewReader(encodeSafetensors(t, ts))))
	assertSameWeights(t, src, dst, all)
}

func TestReadSafetensorsBareEncoder(t *testing.T) {
	src := tinyModel(t, 20)
	var ts []rawTensor
	for _, p := range src.Parameters() {
		if isHeadParam(p.Name) {
			continue
		}
		name := strings.TrimPrefix(p.Name, "albert.")
		if strings.HasPrefix(name, "embeddings.LayerNorm.") {
			name = strings.NewReplacer(".weight", ".gamma", ".bias", ".beta").Replace(name)
		}
		ts = append(ts, rawTensor{name, "F32", p.Shape, f32Bytes(p.Data)})
	}

	dst, err := New(src.Config(), WithSeed(99))
	require.NoError(t, err)
	fresh, err := New(src.Config(), WithSeed(99))
	require.NoError(t, err)
	require.NoError(t, dst.ReadSafetensors(bytes.NewReader(encodeSafetensors(t, ts))))

	assertSameWeights(t, src, dst, func(name string) bool { return !isHeadParam(name) })
	assertSameWeights(t, fresh, dst, isHeadParam)
}

func TestReadSafetensorsHalfPrecision(t *testing.T) {
	src := tinyModel(t, 20)
	// values exactly representable in both half formats
	for _, p := range src.Parameters() {
		for i := range p.Data {
			p.Data[i] = float32(i%7-3) * 0.25
		}
	}
	for _, dtype := range []string{"F16", "BF16"} {
		t.Run(dtype, func(t *testing.T) {
			var ts []rawTensor
			for _, p := range src.Parameters() {
				buf := make([]byte, 2*len(p.Data))
				for i, v := range p.Data {
					binary.LittleEndian.PutUint16(buf[2*i:], toHalf(t, dtype, v))
				}
				ts = append(ts, rawTensor{p.Name, dtype, p.Shape, buf})
			}
			dst, err := New(src.Config(), WithSeed(99))
			require.NoError(t, err)
			require.NoError(t, dst.ReadSafetensors(bytes.NewReader(encodeSafetensors(t, ts))))
			assertSameWeights(t, src, dst, all)
		})
	}
}

// toHalf encodes the small multiples of 0.25 used above.
func toHalf(t *testing.T, dtype string, v float32) uint16 {
	t.Helper()
	if dtype == "BF16" {
		return uint16(math.Float32bits(v) >> 16)
	}
	bits := math.Float32bits(v)
	if v == 0 {
		return uint16(bits >> 16)
	}
	sign := uint16(bits>>16) & 0x8000
	exp := int(bits>>23&0xff) - 127 + 15
	require.True(t, exp > 0 && exp < 31)
	return sign | uint16(exp)<<10 | uint16(bits>>13&0x3ff)
}

func TestHalfToFloat32(t *testing.T) {
	tests := []struct {
		h    uint16
		want float32
	}{
		{0x0000, 0},
		{0x3c00, 1},
		{0xc000, -2},
		{0x3555, 0.33325195},
		{0x7bff, 65504},
		{0x0001, float32(math.Ldexp(1, -24))},
		{0x7c00, float32(math.Inf(1))},
		{0xfc00, float32(math.Inf(-1))},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, halfToFloat32(tt.h), "%#04x", tt.h)
	}
	assert.True(t, math.IsNaN(float64(halfToFloat32(0x7e00))))
}

func TestReadSafetensorsRejects(t *testing.T) {
	src := tinyModel(t, 20)
	full := maskedLMTensors(src)

	without := func(name string) []rawTensor {
		var ts []rawTensor
		for _, r := range full {
			if r.name != name {
				ts = append(ts, r)
			}
		}
		return ts
	}
	reshaped := append([]rawTensor(nil), full...)
	reshaped[0].shape = []int{reshaped[0].shape[1], reshaped[0].shape[0]}
	i64 := append([]rawTensor(nil), full...)
	i64[0].dtype = "I64"

	var hugeHeader bytes.Buffer
	require.NoError(t, binary.Write(&hugeHeader, binary.LittleEndian, uint64(1)<<40))

	tests := []struct {
		name string
		data []byte
	}{
		{"missing encoder tensor", encodeSafetensors(t, without("albert.encoder.embedding_hidden_mapping_in.weight"))},
		{"wrong shape", encodeSafetensors(t, reshaped)},
		{"unsupported dtype", encodeSafetensors(t, i64)},
		{"oversized header", hugeHeader.Bytes()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tinyModel(t, 20)
			assert.ErrorIs(t, m.ReadSafetensors(bytes.NewReader(tt.data)), ErrBadWeights)
		})
	}
}

func TestLoadPrefersModelBinAndReadsSafetensors(t *testing.T) {
	src := tinyModel(t, 20)
	dir := t.TempDir()
	require.NoError(t, SaveConfig(filepath.Join(dir, ConfigFileName), src.Config()))

	_, err := Load(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, src.SaveSafetensors(dir))
	path, ok := WeightsPath(dir)
	require.True(t, ok)
	assert.Equal(t, SafetensorsFileName, filepath.Base(path))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assertSameWeights(t, src, loaded, all)

	other := tinyModel(t, 20)
	other.wordEmb.Data[0] = 42
	require.NoError(t, other.Save(dir))
	path, _ = WeightsPath(dir)
	assert.Equal(t, WeightsFileName, filepath.Base(path))
	loaded, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, float32(42), loaded.wordEmb.Data[0])
}
