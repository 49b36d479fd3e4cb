package document

import (
	"bytes"
	"mime"
	"path/filepath"
	"strings"
)

// Supported MIME types.
const (
	MIMEPNG  = "image/png"
	MIMEJPEG = "image/jpeg"
	MIMEPDF  = "application/pdf"
	MIMETIFF = "image/tiff"
)

var magic = []struct {
	prefix []byte
	mime   string
}{
	{[]byte("\x89PNG\r\n\x1a\n"), MIMEPNG},
	{[]byte{0xff, 0xd8, 0xff}, MIMEJPEG},
	{[]byte("%PDF"), MIMEPDF},
	{[]byte("II*\x00"), MIMETIFF},
	{[]byte("MM\x00*"), MIMETIFF},
}

// DetectMIME identifies a supported document type by its magic bytes.
func DetectMIME(data []byte) (string, error) {
	for _, m := range magic {
		if bytes.HasPrefix(data, m.prefix) {
			return m.mime, nil
		}
	}
	return "", &UnsupportedFormatError{}
}

// NormalizeMIME lower-cases a MIME type, strips parameters and maps common
// aliases to the canonical names above.
func NormalizeMIME(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	switch mimeType {
	case "image/jpg", "image/pjpeg":
		return MIMEJPEG
	case "image/tif", "image/x-tiff":
		return MIMETIFF
	case "application/x-pdf":
		return MIMEPDF
	}
	return mimeType
}

// MIMEFromPath guesses a MIME type from a file extension; "" when unknown.
func MIMEFromPath(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".tif", ".tiff":
		return MIMETIFF
	case ".jpg", ".jpeg":
		return MIMEJPEG
	}
	return NormalizeMIME(mime.TypeByExtension(ext))
}

func supported(mimeType string) bool {
	switch mimeType {
	case MIMEPNG, MIMEJPEG, MIMEPDF, MIMETIFF:
		return true
	}
	return false
}
