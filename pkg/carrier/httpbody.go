package carrier

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"io"

	"github.com/pkg/errors"
)

// DecompressResponse inflates a carrier response body when it arrives
// gzip- or deflate-compressed. Carriers compress opaquely and header
// metadata is unreliable, so detection is by magic bytes: 0x1f 0x8b for
// gzip, 0x78 for a zlib stream. Anything else is returned as-is.
func DecompressResponse(body []byte) ([]byte, error) {
	if len(body) < 2 {
		return body, nil
	}

	switch {
	case body[0] == 0x1f && body[1] == 0x8b:
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errors.Wrap(err, "gzip reader")
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(err, "gzip inflate")
		}
		return out, nil

	case body[0] == 0x78:
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err != nil {
			// Some carriers emit raw deflate without the zlib wrapper.
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			out, ferr := io.ReadAll(fr)
			if ferr != nil {
				return nil, errors.Wrap(err, "zlib reader")
			}
			return out, nil
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, errors.Wrap(err, "zlib inflate")
		}
		return out, nil
	}

	return body, nil
}
