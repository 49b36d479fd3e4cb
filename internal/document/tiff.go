package document

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"image/png"

	"golang.org/x/image/tiff"
)

// maxTIFFFrames guards against IFD chains that loop or never end.
const maxTIFFFrames = 1000

// tiffFrames returns the offsets of every IFD in a TIFF file, in file order.
func tiffFrames(data []byte) ([]uint32, binary.ByteOrder, error) {
	if len(data) < 8 {
		return nil, nil, errors.New("tiff header truncated")
	}
	var order binary.ByteOrder
	switch string(data[:2]) {
	case "II":
		order = binary.LittleEndian
	case "MM":
		order = binary.BigEndian
	default:
		return nil, nil, errors.New("invalid tiff byte order")
	}

	var offsets []uint32
	seen := make(map[uint32]bool)
	next := order.Uint32(data[4:8])
	for next != 0 {
		if seen[next] || len(offsets) >= maxTIFFFrames {
			return nil, nil, errors.New("tiff directory chain loops")
		}
		seen[next] = true

		off := int(next)
		if off+2 > len(data) {
			return nil, nil, fmt.Errorf("tiff directory offset %d out of range", off)
		}
		entries := int(order.Uint16(data[off : off+2]))
		end := off + 2 + entries*12
		if end+4 > len(data) {
			return nil, nil, fmt.Errorf("tiff directory at %d truncated", off)
		}
		offsets = append(offsets, next)
		next = order.Uint32(data[end : end+4])
	}

	if len(offsets) == 0 {
		return nil, nil, errors.New("tiff has no image directories")
	}
	return offsets, order, nil
}

// decodeTIFFFrame decodes the frame whose IFD starts at offset and re-encodes
// it as PNG. x/image/tiff only reads the first directory, so the header is
// patched to point at the requested one.
func decodeTIFFFrame(data []byte, offset uint32, order binary.ByteOrder) ([]byte, int, int, error) {
	patched := make([]byte, len(data))
	copy(patched, data)
	order.PutUint32(patched[4:8], offset)

	img, err := tiff.Decode(bytes.NewReader(patched))
	if err != nil {
		return nil, 0, 0, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to encode png: %w", err)
	}
	b := img.Bounds()
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}
