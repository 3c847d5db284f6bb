package safetensors

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	json "github.com/goccy/go-json"
)

// WriteTensor is one tensor to be serialized. Data is encoded as F32.
type WriteTensor struct {
	Shape []int
	Data  []float32
}

// Write serializes tensors to path. Tensor payloads are laid out in sorted
// name order so identical inputs produce byte-identical files.
func Write(path string, tensors map[string]WriteTensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	var offset int64
	for _, name := range names {
		t := tensors[name]
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: shape %v does not match %d values", name, t.Shape, len(t.Data))
		}
		size := int64(n) * 4
		header[name] = tensorHeader{
			DType:       "F32",
			Shape:       t.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	var lenBuf [8]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := f.Write(headerBytes); err != nil {
		return err
	}

	buf := make([]byte, 0, 4096)
	for _, name := range names {
		t := tensors[name]
		buf = buf[:0]
		for _, v := range t.Data {
			var b [4]byte
			binary.LittleEndian.PutUint32(b[:], math.Float32bits(v))
			buf = append(buf, b[:]...)
		}
		if _, err := f.Write(buf); err != nil {
			return fmt.Errorf("write tensor %s: %w", name, err)
		}
	}
	return f.Close()
}
