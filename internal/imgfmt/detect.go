// Package imgfmt inspects and converts partition image containers. Images
// come in two encodings, raw and Android sparse, and carry one of several
// filesystems; everything downstream keys off what this package detects.
package imgfmt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/opencontainers/go-digest"
)

// Encoding is the container encoding of an image file.
type Encoding string

const (
	EncodingRaw    Encoding = "raw"
	EncodingSparse Encoding = "sparse"
)

// FilesystemKind is the filesystem found inside a raw image.
type FilesystemKind string

const (
	FilesystemUnknown FilesystemKind = "unknown"
	FilesystemExt4    FilesystemKind = "ext4"
	FilesystemErofs   FilesystemKind = "erofs"
	// FilesystemRaw marks opaque data that is not a recognized filesystem
	// (bootloader blobs, dtbo, vbmeta). It is copied through untouched.
	FilesystemRaw FilesystemKind = "raw"
)

func (k FilesystemKind) String() string { return string(k) }

// ParseFilesystemKind parses a user-supplied filesystem name.
func ParseFilesystemKind(s string) (FilesystemKind, error) {
	switch FilesystemKind(s) {
	case FilesystemExt4, FilesystemErofs, FilesystemRaw:
		return FilesystemKind(s), nil
	}
	return FilesystemUnknown, fmt.Errorf("unknown filesystem kind %q", s)
}

var (
	sparseMagic = []byte{0x3a, 0xff, 0x26, 0xed}
	ext4Magic   = []byte{0x53, 0xef}
	erofsMagic  = []byte{0xe2, 0xe1, 0xf5, 0xe0}
	bootMagics  = [][]byte{[]byte("ANDROID!"), []byte("VNDRBOOT")}
)

const (
	ext4MagicOffset  = 0x438
	erofsMagicOffset = 1024
)

// FormatError reports an image whose contents do not match the expected
// format, with enough detail for the user to see what was actually found.
type FormatError struct {
	Path   string
	Detail string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("%s: %s", e.Path, e.Detail)
}

// DetectEncoding reports whether the image is sparse or raw. Only the sparse
// magic in the first four bytes distinguishes them; everything else is raw,
// including files too short to hold the magic at all.
func DetectEncoding(path string) (Encoding, error) {
	head, err := readAt(path, 0, 4)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return EncodingRaw, nil
		}
		return "", fmt.Errorf("detect encoding: %w", err)
	}
	if bytes.Equal(head, sparseMagic) {
		return EncodingSparse, nil
	}
	return EncodingRaw, nil
}

// DetectFilesystem identifies the filesystem in a raw image by its magic
// bytes. Sparse images must be converted to raw first; calling this on a
// sparse image returns a FormatError.
func DetectFilesystem(path string) (FilesystemKind, error) {
	enc, err := DetectEncoding(path)
	if err != nil {
		return FilesystemUnknown, err
	}
	if enc == EncodingSparse {
		return FilesystemUnknown, &FormatError{Path: path, Detail: "sparse image, convert to raw before filesystem detection"}
	}

	if sig, err := readAt(path, ext4MagicOffset, 2); err == nil && bytes.Equal(sig, ext4Magic) {
		return FilesystemExt4, nil
	}
	if sig, err := readAt(path, erofsMagicOffset, 4); err == nil && bytes.Equal(sig, erofsMagic) {
		return FilesystemErofs, nil
	}
	return FilesystemRaw, nil
}

// IsBootImage reports whether the file starts with a boot or vendor boot
// image magic.
func IsBootImage(path string) (bool, error) {
	head, err := readAt(path, 0, 8)
	if err != nil {
		return false, fmt.Errorf("detect boot image: %w", err)
	}
	for _, magic := range bootMagics {
		if bytes.Equal(head, magic) {
			return true, nil
		}
	}
	return false, nil
}

// FileDigest computes the canonical digest of a file's contents.
func FileDigest(path string) (digest.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	defer f.Close()
	d, err := digest.FromReader(f)
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", path, err)
	}
	return d, nil
}

// readAt reads exactly n bytes from offset. Files shorter than offset+n are
// simply not the format being probed for, so short reads surface as io.EOF
// errors for the caller to treat as a non-match.
func readAt(path string, offset int64, n int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}
