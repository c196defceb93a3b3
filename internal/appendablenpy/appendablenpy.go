// Package appendablenpy writes numpy *.npy files that can grow along their first
// axis: the item count in the header is left wide enough to be rewritten in place
// after every append.
package appendablenpy

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// npy file header must be a multiple of 64 bytes
const headerUnits = 64

// countDigits is the field width reserved in the header for the item count.
const countDigits = 12

var npyMagic = []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0x00}

// ErrItemSize is returned when an appended item has the wrong length.
var ErrItemSize = errors.New("appendablenpy: item has wrong size")

// AppendableNPY is an .npy file whose first axis grows with each Append.
type AppendableNPY struct {
	writer    io.WriteSeeker
	countPtr  int64 // file offset of the count field
	itemShape []int
	itemBytes int
	nitems    int
	dataEnd   int64
	sync.Mutex
}

// Open writes an .npy header to w for items of numpy dtype descr (e.g. "'|u1'")
// and per-item shape itemShape, each itemBytes long, with zero items.
func Open(w io.WriteSeeker, descr string, itemShape []int, itemBytes int) (*AppendableNPY, error) {
	an := &AppendableNPY{writer: w, itemShape: append([]int(nil), itemShape...), itemBytes: itemBytes}
	dims := make([]string, len(itemShape))
	for i, d := range itemShape {
		dims[i] = fmt.Sprintf("%d", d)
	}
	prefix := fmt.Sprintf("{'descr': %s, 'fortran_order': False, 'shape': (", descr)
	suffix := ","
	if len(dims) > 0 {
		suffix = ", " + strings.Join(dims, ", ")
	}
	suffix += "), }"
	dict := prefix + fmt.Sprintf("%-*d", countDigits, 0) + suffix

	// Preheader is magic (8 bytes) + 2-byte little-endian header length.
	const preheaderSize = 10
	total := preheaderSize + len(dict) + 1
	total = (total + headerUnits - 1) / headerUnits * headerUnits
	headerLen := total - preheaderSize
	header := make([]byte, 0, total)
	header = append(header, npyMagic...)
	header = append(header, byte(headerLen%256), byte(headerLen/256))
	header = append(header, dict...)
	for len(header) < total-1 {
		header = append(header, ' ')
	}
	header = append(header, '\n')

	if _, err := w.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := w.Write(header); err != nil {
		return nil, err
	}
	an.countPtr = int64(preheaderSize + len(prefix))
	an.dataEnd = int64(total)
	return an, nil
}

// Append writes one or more items and updates the header count.
func (an *AppendableNPY) Append(items ...[]byte) error {
	an.Lock()
	defer an.Unlock()
	if _, err := an.writer.Seek(an.dataEnd, io.SeekStart); err != nil {
		return err
	}
	for _, item := range items {
		if len(item) != an.itemBytes {
			return fmt.Errorf("%w: %d bytes, want %d", ErrItemSize, len(item), an.itemBytes)
		}
		if _, err := an.writer.Write(item); err != nil {
			return err
		}
		an.nitems++
		an.dataEnd += int64(len(item))
	}

	// Now seek backwards to update the header
	if _, err := an.writer.Seek(an.countPtr, io.SeekStart); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(an.writer, "%-*d", countDigits, an.nitems); err != nil {
		return err
	}
	_, err := an.writer.Seek(an.dataEnd, io.SeekStart)
	return err
}

// Len is the number of items written.
func (an *AppendableNPY) Len() int {
	an.Lock()
	defer an.Unlock()
	return an.nitems
}
