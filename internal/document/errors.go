package document

import (
	"errors"
	"fmt"
)

var (
	// ErrUnsupportedFormat is matched by UnsupportedFormatError via errors.Is.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptDocument is matched by CorruptDocumentError via errors.Is.
	ErrCorruptDocument = errors.New("corrupt document")
	// ErrImageTooLarge is wrapped when a page exceeds the image limits.
	ErrImageTooLarge = errors.New("image exceeds size limits")
)

// UnsupportedFormatError is returned for MIME types the loader cannot handle,
// and when the declared type disagrees with the content.
type UnsupportedFormatError struct {
	MIMEType string
	Detected string
}

func (e *UnsupportedFormatError) Error() string {
	if e.Detected != "" && e.Detected != e.MIMEType {
		return fmt.Sprintf("unsupported document format: declared %q but content is %q", e.MIMEType, e.Detected)
	}
	if e.MIMEType == "" {
		return "unsupported document format: content type not recognised"
	}
	return fmt.Sprintf("unsupported document format: %q", e.MIMEType)
}

func (e *UnsupportedFormatError) Is(target error) bool { return target == ErrUnsupportedFormat }

// CorruptDocumentError is returned when a document or one of its pages
// cannot be decoded. Page is 1-based; 0 means the document as a whole.
type CorruptDocumentError struct {
	Page int
	Err  error
}

func (e *CorruptDocumentError) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("corrupt document: page %d: %v", e.Page, e.Err)
	}
	return fmt.Sprintf("corrupt document: %v", e.Err)
}

func (e *CorruptDocumentError) Unwrap() error { return e.Err }

func (e *CorruptDocumentError) Is(target error) bool { return target == ErrCorruptDocument }
