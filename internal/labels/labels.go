// Package labels sniffs label image formats from raw bytes, since not
// every carrier reports what it actually returned.
package labels

import (
	"bytes"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
)

var (
	pdfMagic = []byte("%PDF")
	pngMagic = []byte("\x89PNG")
	zplMagic = []byte("^XA")
)

// DetectFormat identifies the label format by magic bytes. Unknown
// content defaults to PDF, the formats' common denominator for
// printing.
func DetectFormat(image []byte) carrier.LabelFormat {
	switch {
	case bytes.HasPrefix(image, pdfMagic):
		return carrier.LabelPDF
	case bytes.HasPrefix(image, pngMagic):
		return carrier.LabelPNG
	case bytes.HasPrefix(image, zplMagic):
		return carrier.LabelZPL
	default:
		return carrier.LabelPDF
	}
}

// ContentType returns the MIME type to serve a label with.
func ContentType(f carrier.LabelFormat) string {
	switch f {
	case carrier.LabelPNG:
		return "image/png"
	case carrier.LabelZPL:
		return "text/plain"
	default:
		return "application/pdf"
	}
}

// Reconcile fixes up a label whose reported format disagrees with its
// bytes, preferring what the bytes say.
func Reconcile(l *carrier.Label) {
	if len(l.Image) == 0 {
		return
	}
	detected := DetectFormat(l.Image)
	if l.Format != detected {
		l.Format = detected
	}
}
