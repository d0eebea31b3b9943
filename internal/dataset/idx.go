package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrFormat indicates a file that is not an unsigned-byte IDX payload.
var ErrFormat = errors.New("idx: unsupported format")

const idxUnsignedByte = 0x08

// MaxPayload bounds the payload size a header may declare.
const MaxPayload = 1<<31 - 1

// IDX is a decoded IDX file: its dimensions and raw unsigned-byte payload.
type IDX struct {
	Dims []int
	Data []byte
}

// Count is the size of the first dimension.
func (x *IDX) Count() int {
	if len(x.Dims) == 0 {
		return 0
	}
	return x.Dims[0]
}

// Stride is the number of bytes per item along the first dimension.
func (x *IDX) Stride() int {
	stride := 1
	for _, d := range x.Dims[1:] {
		stride *= d
	}
	return stride
}

// ReadIDXFile decodes the IDX file at path, transparently un-gzipping it.
func ReadIDXFile(path string) (*IDX, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open idx: %w", err)
	}
	defer f.Close()

	x, err := ReadIDX(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return x, nil
}

// ReadIDX decodes an IDX stream. Gzip input is detected by its magic bytes.
func ReadIDX(r io.Reader) (*IDX, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(2)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	var src io.Reader = br
	if magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer gz.Close()
		src = gz
	}

	var header [4]byte
	if _, err := io.ReadFull(src, header[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if header[0] != 0 || header[1] != 0 {
		return nil, fmt.Errorf("%w: bad magic %x", ErrFormat, header)
	}
	if header[2] != idxUnsignedByte {
		return nil, fmt.Errorf("%w: element type 0x%02x", ErrFormat, header[2])
	}
	ndims := int(header[3])
	if ndims == 0 {
		return nil, fmt.Errorf("%w: zero dimensions", ErrFormat)
	}

	dims := make([]int, ndims)
	size := 1
	for i := range dims {
		var d uint32
		if err := binary.Read(src, binary.BigEndian, &d); err != nil {
			return nil, fmt.Errorf("%w: dimension %d: %v", ErrFormat, i, err)
		}
		dims[i] = int(d)
		if dims[i] > 0 && size > MaxPayload/dims[i] {
			return nil, fmt.Errorf("%w: dimensions %v exceed %d bytes", ErrFormat, dims[:i+1], MaxPayload)
		}
		size *= dims[i]
	}

	// The buffer grows with the bytes actually read, so a header that
	// overstates the payload fails on the short read.
	data, err := io.ReadAll(io.LimitReader(src, int64(size)))
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrFormat, err)
	}
	if len(data) != size {
		return nil, fmt.Errorf("%w: payload has %d of %d bytes", ErrFormat, len(data), size)
	}
	return &IDX{Dims: dims, Data: data}, nil
}

// WriteIDX encodes x as an uncompressed unsigned-byte IDX stream.
func WriteIDX(w io.Writer, x *IDX) error {
	header := []byte{0, 0, idxUnsignedByte, byte(len(x.Dims))}
	if _, err := w.Write(header); err != nil {
		return err
	}
	for _, d := range x.Dims {
		if err := binary.Write(w, binary.BigEndian, uint32(d)); err != nil {
			return err
		}
	}
	_, err := w.Write(x.Data)
	return err
}
