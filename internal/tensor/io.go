package tensor

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// Raw tensor files carry a fixed little-endian header followed by the
// element payload:
//
//	uint32   magic "VANE"
//	uint32   data type
//	uint32   rank
//	int64[]  dims
//	bytes    elements
const rawMagic uint32 = 0x454E4156

const maxRank = 32

// WriteRaw serializes t to w.
func WriteRaw(w io.Writer, t *Tensor) error {
	if err := binary.Write(w, binary.LittleEndian, rawMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(t.dtype)); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(t.dims))); err != nil {
		return err
	}
	dims := make([]int64, len(t.dims))
	for i, d := range t.dims {
		dims[i] = int64(d)
	}
	if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
		return err
	}
	return writePayload(w, t)
}

func writePayload(w io.Writer, t *Tensor) error {
	switch t.dtype {
	case Float32:
		return binary.Write(w, binary.LittleEndian, t.AsFloat32())
	case Float16:
		return binary.Write(w, binary.LittleEndian, t.AsFloat16())
	case Float64:
		return binary.Write(w, binary.LittleEndian, t.AsFloat64())
	}
	return fmt.Errorf("cannot serialize %s payload", t.dtype)
}

// ReadRaw deserializes a tensor written by WriteRaw.
func ReadRaw(r io.Reader) (*Tensor, error) {
	var magic, dtype, rank uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != rawMagic {
		return nil, fmt.Errorf("bad magic 0x%08x", magic)
	}
	if err := binary.Read(r, binary.LittleEndian, &dtype); err != nil {
		return nil, err
	}
	dt := DataType(dtype)
	if dt.Size() == 0 {
		return nil, fmt.Errorf("unknown data type %d in header", dtype)
	}
	if err := binary.Read(r, binary.LittleEndian, &rank); err != nil {
		return nil, err
	}
	if rank == 0 || rank > maxRank {
		return nil, fmt.Errorf("implausible rank %d in header", rank)
	}
	dims64 := make([]int64, rank)
	if err := binary.Read(r, binary.LittleEndian, dims64); err != nil {
		return nil, err
	}
	dims := make([]int, rank)
	for i, d := range dims64 {
		if d <= 0 {
			return nil, fmt.Errorf("non-positive dim %d in header", d)
		}
		dims[i] = int(d)
	}

	t := New(dt, dims)
	if err := readPayload(r, t); err != nil {
		return nil, err
	}
	return t, nil
}

func readPayload(r io.Reader, t *Tensor) error {
	switch t.dtype {
	case Float32:
		return binary.Read(r, binary.LittleEndian, t.AsFloat32())
	case Float16:
		return binary.Read(r, binary.LittleEndian, t.AsFloat16())
	case Float64:
		return binary.Read(r, binary.LittleEndian, t.AsFloat64())
	}
	return fmt.Errorf("cannot deserialize %s payload", t.dtype)
}

// WriteRawFile writes t to path, replacing any existing file.
func WriteRawFile(path string, t *Tensor) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteRaw(f, t); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// ReadRawFile reads a tensor from path.
func ReadRawFile(path string) (*Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRaw(f)
}
