// Package plotfile reads the fixed header of a source plot file: the
// magic, plot id, and k parameter that a farmer's plotting tool writes
// at the start of every plot. Beyond that header the file is an opaque
// byte stream PlotFS copies verbatim.
package plotfile

import (
	"os"

	"github.com/plotfs/plotfs/lib/ploterr"
)

// Magic is the fixed 19-byte ASCII tag every plot file starts with.
const Magic = "Proof of Space Plot"

// HeaderSize is magic + a 32-byte id + a 1-byte k parameter.
const HeaderSize = len(Magic) + 32 + 1

var magicBytes = []byte(Magic)

// Header is the decoded prefix of a source plot file.
type Header struct {
	ID [32]byte
	K  uint8
}

// File is an opened source plot, positioned just past its header.
type File struct {
	f      *os.File
	Header Header
	Size   int64
}

// Open opens path, verifies its magic, and returns the decoded header
// together with the file's total size.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ploterr.Wrap(ploterr.PlotIo, err, "open plot file %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ploterr.Wrap(ploterr.PlotIo, err, "stat plot file %s", path)
	}
	if fi.Size() == 0 {
		f.Close()
		return nil, ploterr.New(ploterr.PlotInvalid, "plot file %s is empty", path)
	}

	var buf [HeaderSize]byte
	if _, err := readFull(f, buf[:]); err != nil {
		f.Close()
		return nil, ploterr.Wrap(ploterr.PlotIo, err, "read header of %s", path)
	}
	if string(buf[:len(magicBytes)]) != string(magicBytes) {
		f.Close()
		return nil, ploterr.New(ploterr.PlotInvalid, "%s: bad plot magic", path)
	}
	var h Header
	copy(h.ID[:], buf[len(magicBytes):len(magicBytes)+32])
	h.K = buf[len(magicBytes)+32]

	return &File{f: f, Header: h, Size: fi.Size()}, nil
}

func readFull(f *os.File, p []byte) (int, error) {
	var n int
	for n < len(p) {
		m, err := f.Read(p[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ReadAt reads from the plot file's own byte offset 0 (not past the
// header); callers that want the opaque payload seek past HeaderSize
// themselves, matching the allocator's accounting of the whole file
// (header included) as the unit PlotFS copies and re-serves.
func (pf *File) ReadAt(p []byte, off int64) (int, error) {
	return pf.f.ReadAt(p, off)
}

func (pf *File) Close() error {
	return pf.f.Close()
}
