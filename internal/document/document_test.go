package document

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = uint8(i * 7)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

// grayTIFF writes a little-endian, uncompressed, 8-bit grayscale TIFF with
// one frame per size.
func grayTIFF(sizes ...image.Point) []byte {
	le := binary.LittleEndian
	buf := []byte{'I', 'I', 42, 0, 0, 0, 0, 0}
	nextPtr := 4

	for i, sz := range sizes {
		w, h := uint32(sz.X), uint32(sz.Y)
		pixOff := uint32(len(buf))
		pix := bytes.Repeat([]byte{byte(40 * (i + 1))}, int(w*h))
		buf = append(buf, pix...)
		if len(buf)%2 == 1 {
			buf = append(buf, 0)
		}

		ifdOff := len(buf)
		le.PutUint32(buf[nextPtr:], uint32(ifdOff))

		entries := [][3]uint32{
			{256, 3, w},          // ImageWidth
			{257, 3, h},          // ImageLength
			{258, 3, 8},          // BitsPerSample
			{259, 3, 1},          // Compression: none
			{262, 3, 1},          // Photometric: BlackIsZero
			{273, 4, pixOff},     // StripOffsets
			{278, 3, h},          // RowsPerStrip
			{279, 4, w * h},      // StripByteCounts
		}
		ifd := make([]byte, 2+len(entries)*12+4)
		le.PutUint16(ifd[0:], uint16(len(entries)))
		for j, e := range entries {
			p := 2 + j*12
			le.PutUint16(ifd[p:], uint16(e[0]))
			le.PutUint16(ifd[p+2:], uint16(e[1]))
			le.PutUint32(ifd[p+4:], 1)
			if e[1] == 3 {
				le.PutUint16(ifd[p+8:], uint16(e[2]))
			} else {
				le.PutUint32(ifd[p+8:], e[2])
			}
		}
		buf = append(buf, ifd...)
		nextPtr = ifdOff + len(ifd) - 4
	}
	return buf
}

type stubCounter struct {
	n   int
	err error
}

func (s stubCounter) PageCount([]byte) (int, error) { return s.n, s.err }

type stubRasterizer struct {
	t     *testing.T
	mu    sync.Mutex
	pages []int
	dpi   int
	err   error
	bad   int
}

func (s *stubRasterizer) Rasterize(_ context.Context, _ []byte, pages []int, dpi int) ([][]byte, error) {
	s.mu.Lock()
	s.pages = append([]int(nil), pages...)
	s.dpi = dpi
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]byte, len(pages))
	for i, p := range pages {
		if p == s.bad {
			out[i] = []byte("not an image")
			continue
		}
		out[i] = pngBytes(s.t, p*10, 8)
	}
	return out, nil
}

var fakePDF = []byte("%PDF-1.7\n%fake\n")

func TestDetectMIME(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"png", []byte("\x89PNG\r\n\x1a\nrest"), MIMEPNG},
		{"jpeg", []byte{0xff, 0xd8, 0xff, 0xe0}, MIMEJPEG},
		{"pdf", []byte("%PDF-1.4"), MIMEPDF},
		{"tiff little endian", []byte("II*\x00\x08\x00\x00\x00"), MIMETIFF},
		{"tiff big endian", []byte("MM\x00*\x00\x00\x00\x08"), MIMETIFF},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectMIME(tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := DetectMIME([]byte("GIF89a"))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestNormalizeMIME(t *testing.T) {
	assert.Equal(t, MIMEJPEG, NormalizeMIME("image/JPG"))
	assert.Equal(t, MIMETIFF, NormalizeMIME("image/tif"))
	assert.Equal(t, MIMEPDF, NormalizeMIME("application/pdf; charset=binary"))
	assert.Equal(t, MIMETIFF, MIMEFromPath("scan.TIFF"))
	assert.Equal(t, MIMEJPEG, MIMEFromPath("photo.jpeg"))
}

func TestLoadImages(t *testing.T) {
	l := NewLoader(Config{})
	ctx := context.Background()

	t.Run("png sniffed", func(t *testing.T) {
		data := pngBytes(t, 4, 3)
		doc, err := l.Load(ctx, data, "", Options{})
		require.NoError(t, err)
		require.Len(t, doc.Pages, 1)
		assert.Equal(t, Page{Index: 1, Image: data, MIMEType: MIMEPNG, Width: 4, Height: 3}, doc.Pages[0])
		assert.Equal(t, 1, doc.PageCount)
		assert.Equal(t, []int{1}, doc.PageIndexes())
	})

	t.Run("jpeg declared with alias", func(t *testing.T) {
		doc, err := l.Load(ctx, jpegBytes(t, 16, 9), "image/jpg", Options{})
		require.NoError(t, err)
		assert.Equal(t, MIMEJPEG, doc.MIMEType)
		assert.Equal(t, 16, doc.Pages[0].Width)
	})

	t.Run("selection out of range", func(t *testing.T) {
		_, err := l.Load(ctx, pngBytes(t, 4, 3), MIMEPNG, Options{Pages: []int{2}})
		assert.ErrorIs(t, err, ErrCorruptDocument)
	})

	t.Run("truncated png", func(t *testing.T) {
		data := pngBytes(t, 4, 3)
		_, err := l.Load(ctx, data[:12], "", Options{})
		var ce *CorruptDocumentError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 1, ce.Page)
	})
}

func TestLoadRejectsFormats(t *testing.T) {
	l := NewLoader(Config{})
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
		mime string
		want error
	}{
		{"declared mismatch", pngBytes(t, 2, 2), MIMEJPEG, ErrUnsupportedFormat},
		{"unsupported declared", []byte("hello"), "text/plain", ErrUnsupportedFormat},
		{"unknown content", []byte("GIF89a......"), "", ErrUnsupportedFormat},
		{"empty", nil, MIMEPNG, ErrCorruptDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Load(ctx, tt.data, tt.mime, Options{})
			assert.ErrorIs(t, err, tt.want)
		})
	}

	var ue *UnsupportedFormatError
	_, err := l.Load(ctx, pngBytes(t, 2, 2), "application/pdf", Options{})
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, MIMEPDF, ue.MIMEType)
	assert.Equal(t, MIMEPNG, ue.Detected)
}

func TestImageLimits(t *testing.T) {
	ctx := context.Background()

	small := NewLoader(Config{MaxImageDimension: 3})
	_, err := small.Load(ctx, pngBytes(t, 4, 3), "", Options{})
	assert.ErrorIs(t, err, ErrImageTooLarge)
	assert.ErrorIs(t, err, ErrCorruptDocument)

	data := pngBytes(t, 4, 3)
	tiny := NewLoader(Config{MaxImageBytes: len(data) - 1})
	_, err = tiny.Load(ctx, data, "", Options{})
	assert.ErrorIs(t, err, ErrImageTooLarge)
}

func TestLoadPDF(t *testing.T) {
	ctx := context.Background()

	t.Run("default selection caps pages", func(t *testing.T) {
		r := &stubRasterizer{t: t}
		l := NewLoader(Config{Counter: stubCounter{n: 25}, Rasterizer: r})

		doc, err := l.Load(ctx, fakePDF, MIMEPDF, Options{})
		require.NoError(t, err)
		assert.Len(t, doc.Pages, DefaultMaxPages)
		assert.Equal(t, 25, doc.PageCount)
		assert.Equal(t, DefaultDPI, r.dpi)
		assert.Equal(t, strconv.Itoa(DefaultDPI), doc.Metadata["dpi"])
		for i, p := range doc.Pages {
			assert.Equal(t, i+1, p.Index)
			assert.Equal(t, MIMEPNG, p.MIMEType)
			assert.Equal(t, p.Index*10, p.Width)
		}
	})

	t.Run("explicit selection", func(t *testing.T) {
		r := &stubRasterizer{t: t}
		l := NewLoader(Config{Counter: stubCounter{n: 5}, Rasterizer: r, DPI: 300})

		doc, err := l.Load(ctx, fakePDF, "", Options{Pages: []int{4, 0, 2, 99, 4}})
		require.NoError(t, err)
		assert.Equal(t, []int{2, 4}, r.pages)
		assert.Equal(t, []int{2, 4}, doc.PageIndexes())
		assert.Equal(t, MaxDPI, r.dpi)
	})

	t.Run("nothing selected", func(t *testing.T) {
		l := NewLoader(Config{Counter: stubCounter{n: 3}, Rasterizer: &stubRasterizer{t: t}})
		_, err := l.Load(ctx, fakePDF, "", Options{Pages: []int{7}})
		assert.ErrorIs(t, err, ErrCorruptDocument)
	})

	t.Run("counter failure", func(t *testing.T) {
		l := NewLoader(Config{Counter: stubCounter{err: errors.New("xref table broken")}, Rasterizer: &stubRasterizer{t: t}})
		_, err := l.Load(ctx, fakePDF, "", Options{})
		assert.ErrorIs(t, err, ErrCorruptDocument)
		assert.Contains(t, err.Error(), "xref table broken")
	})

	t.Run("rasterizer failure", func(t *testing.T) {
		l := NewLoader(Config{Counter: stubCounter{n: 2}, Rasterizer: &stubRasterizer{t: t, err: errors.New("boom")}})
		_, err := l.Load(ctx, fakePDF, "", Options{})
		assert.ErrorIs(t, err, ErrCorruptDocument)
	})

	t.Run("one bad page fails the document", func(t *testing.T) {
		l := NewLoader(Config{Counter: stubCounter{n: 3}, Rasterizer: &stubRasterizer{t: t, bad: 2}})
		_, err := l.Load(ctx, fakePDF, "", Options{})
		var ce *CorruptDocumentError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 2, ce.Page)
	})
}

func TestLoadTIFF(t *testing.T) {
	l := NewLoader(Config{})
	ctx := context.Background()
	data := grayTIFF(image.Pt(4, 3), image.Pt(5, 2), image.Pt(3, 3))

	doc, err := l.Load(ctx, data, "image/tiff", Options{})
	require.NoError(t, err)
	require.Len(t, doc.Pages, 3)
	assert.Equal(t, 3, doc.PageCount)
	assert.Equal(t, "3", doc.Metadata["frames"])

	assert.Equal(t, 4, doc.Pages[0].Width)
	assert.Equal(t, 3, doc.Pages[0].Height)
	assert.Equal(t, 5, doc.Pages[1].Width)
	assert.Equal(t, 2, doc.Pages[1].Height)

	for _, p := range doc.Pages {
		assert.Equal(t, MIMEPNG, p.MIMEType)
		cfg, format, err := image.DecodeConfig(bytes.NewReader(p.Image))
		require.NoError(t, err)
		assert.Equal(t, "png", format)
		assert.Equal(t, p.Width, cfg.Width)
	}

	second, err := l.Load(ctx, data, "", Options{Pages: []int{2}})
	require.NoError(t, err)
	require.Len(t, second.Pages, 1)
	assert.Equal(t, 2, second.Pages[0].Index)
	assert.Equal(t, 5, second.Pages[0].Width)

	_, err = l.Load(ctx, data[:20], "", Options{})
	assert.ErrorIs(t, err, ErrCorruptDocument)
}

func TestTIFFLoopRejected(t *testing.T) {
	data := grayTIFF(image.Pt(2, 2))
	// Point the only directory's next-IFD field back at itself.
	first := binary.LittleEndian.Uint32(data[4:8])
	binary.LittleEndian.PutUint32(data[len(data)-4:], first)

	_, _, err := tiffFrames(data)
	assert.Error(t, err)
}

func TestLoadCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewLoader(Config{}).Load(ctx, pngBytes(t, 2, 2), "", Options{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t, 6, 6), 0o644))

	doc, err := NewLoader(Config{}).LoadFile(context.Background(), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, 6, doc.Pages[0].Height)

	_, err = NewLoader(Config{}).LoadFile(context.Background(), path+".missing", Options{})
	assert.Error(t, err)
}

func TestClampDPI(t *testing.T) {
	assert.Equal(t, DefaultDPI, clampDPI(0))
	assert.Equal(t, MinDPI, clampDPI(10))
	assert.Equal(t, 120, clampDPI(120))
	assert.Equal(t, MaxDPI, clampDPI(600))
}
