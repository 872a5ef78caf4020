// Package vfs implements the virtual read path: the small read-only
// interface a userspace filesystem binding calls into, decoupled from
// any particular FUSE library. It owns no mutation; every call either
// reads a cached geometry snapshot or forces a reload through the
// ledger manager.
package vfs

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"

	"github.com/plotfs/plotfs/lib/allocator"
	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/diskio"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ledger"
	"github.com/plotfs/plotfs/lib/ploterr"
)

// maxOpenDevices bounds the Server-wide cache of open device handles.
// A plot striped across many devices, read concurrently by many open
// files, would otherwise accumulate one *os.File per shard per open;
// the cache is shared and keyed by device path so repeat opens of the
// same device reuse one handle.
const maxOpenDevices = 64

// nameRe matches the plot filename convention; the 64 lowercase hex
// characters are the plot id, everything else is cosmetic.
var nameRe = regexp.MustCompile(`^plot-k[0-9]+-([0-9a-f]{64})\.(plot|tmp)$`)

// Filename returns the directory entry name for p.
func Filename(p geometry.Plot) string {
	suffix := ".plot"
	if p.Flags&geometry.Reserved != 0 {
		suffix = ".tmp"
	}
	return fmt.Sprintf("plot-k%d-%x%s", p.K, p.ID[:], suffix)
}

// ParseFilename extracts a plot id from a directory entry name. Any
// name not matching the convention is rejected; Readdir never emits
// such a name, but a stale dentry or a typed-in path might present
// one.
func ParseFilename(name string) ([32]byte, bool) {
	m := nameRe.FindStringSubmatch(name)
	if m == nil {
		return [32]byte{}, false
	}
	var id [32]byte
	b, err := hex.DecodeString(m[1])
	if err != nil || len(b) != len(id) {
		return [32]byte{}, false
	}
	copy(id[:], b)
	return id, true
}

// Size is the logical byte length of p: the sum of its shards' plot
// bytes, header overhead excluded.
func Size(p geometry.Plot) uint64 {
	var total uint64
	for _, s := range p.Shards {
		total += s.End - s.Begin - allocator.HeaderOverhead
	}
	return total
}

// Attr is the synthesized attribute set of a plot's regular file.
type Attr struct {
	Size uint64
	Mode uint32 // always 0444 for a plot
}

// StatfsResult is the aggregate filesystem usage summary.
type StatfsResult struct {
	BlocksTotal uint64
	BlocksFree  uint64
	Files       uint64
}

// shardRange is one resolved, already-header-adjusted byte range a
// Reader walks.
type shardRange struct {
	DevicePath string
	Begin      uint64
	End        uint64
}

// Server serves the virtual read path against the ledger at its
// configured path. It caches the last loaded geometry so that
// attribute and read calls don't each pay a lock-and-decode round
// trip; Readdir forces a fresh load, matching the freshness the
// directory listing promises callers.
type Server struct {
	manager   *ledger.Manager
	cached    atomic.Pointer[geometry.Geometry]
	devicesMu sync.Mutex
	devices   *lru.Cache
}

// NewServer returns a Server backed by the ledger at ledgerPath.
func NewServer(ledgerPath string) *Server {
	devices, err := lru.NewWithEvict(maxOpenDevices, func(_, value interface{}) {
		value.(*diskio.Handle).Close()
	})
	if err != nil {
		// Only returns an error for a non-positive size, which
		// maxOpenDevices never is.
		panic(err)
	}
	return &Server{manager: ledger.NewManager(ledgerPath), devices: devices}
}

// openDevice returns a cached, shared read-only handle for path,
// opening and caching one if this is the first request for it. The
// handle must not be closed by the caller; eviction closes it.
func (s *Server) openDevice(path string) (*diskio.Handle, error) {
	s.devicesMu.Lock()
	defer s.devicesMu.Unlock()

	if v, ok := s.devices.Get(path); ok {
		return v.(*diskio.Handle), nil
	}
	h, err := diskio.Open(path, false)
	if err != nil {
		return nil, ploterr.Wrap(ploterr.DeviceIo, err, "open device %s", path)
	}
	s.devices.Add(path, h)
	return h, nil
}

// Reload forces a fresh load of the geometry and replaces the cache.
func (s *Server) Reload() (geometry.Geometry, error) {
	g, err := s.manager.Load()
	if err != nil {
		return geometry.Geometry{}, err
	}
	s.cached.Store(&g)
	return g, nil
}

// geometry returns the cached snapshot, loading one if none exists
// yet.
func (s *Server) geometry() (geometry.Geometry, error) {
	if g := s.cached.Load(); g != nil {
		return *g, nil
	}
	return s.Reload()
}

// ListPlots force-reloads the geometry and returns every plot,
// Reserved ones included (they appear with the ".tmp" suffix).
func (s *Server) ListPlots() ([]geometry.Plot, error) {
	g, err := s.Reload()
	if err != nil {
		return nil, err
	}
	return g.Plots, nil
}

// PlotByID resolves id against the cached geometry.
func (s *Server) PlotByID(id [32]byte) (geometry.Plot, error) {
	g, err := s.geometry()
	if err != nil {
		return geometry.Plot{}, err
	}
	for _, p := range g.Plots {
		if p.ID == id {
			return p, nil
		}
	}
	return geometry.Plot{}, ploterr.New(ploterr.NotFound, "no plot with that id")
}

// Attr returns the synthesized attribute set for a plot.
func (s *Server) Attr(id [32]byte) (Attr, error) {
	p, err := s.PlotByID(id)
	if err != nil {
		return Attr{}, err
	}
	return Attr{Size: Size(p), Mode: 0o444}, nil
}

// Statfs aggregates device and shard sizes from the cached geometry.
func (s *Server) Statfs() (StatfsResult, error) {
	g, err := s.geometry()
	if err != nil {
		return StatfsResult{}, err
	}
	var blocks, used uint64
	for _, d := range g.Devices {
		blocks += d.End
	}
	for _, p := range g.Plots {
		for _, sh := range p.Shards {
			used += sh.End - sh.Begin
		}
	}
	return StatfsResult{BlocksTotal: blocks, BlocksFree: blocks - used, Files: uint64(len(g.Plots))}, nil
}

// Reader is an open plot handle: an ordered, resolved list of device
// byte ranges to read plot bytes from, read through its Server's
// shared device handle cache. Safe for concurrent ReadAt.
type Reader struct {
	server *Server
	ranges []shardRange
}

// Open resolves id's shards against the cached geometry and returns a
// Reader positioned to serve ReadAt calls. Writable opens are rejected
// by the caller before Open is ever reached (vfs exposes no write
// path).
func (s *Server) Open(id [32]byte) (*Reader, error) {
	g, err := s.geometry()
	if err != nil {
		return nil, err
	}
	p, err := s.PlotByID(id)
	if err != nil {
		return nil, err
	}
	paths := make(map[[devheader.IDSize]byte]string, len(g.Devices))
	for _, d := range g.Devices {
		paths[d.ID] = d.Path
	}
	ranges := make([]shardRange, 0, len(p.Shards))
	for _, sh := range p.Shards {
		path, ok := paths[sh.DeviceID]
		if !ok {
			return nil, ploterr.New(ploterr.NotFound, "plot references an unregistered device")
		}
		ranges = append(ranges, shardRange{
			DevicePath: path,
			Begin:      sh.Begin + allocator.HeaderOverhead,
			End:        sh.End,
		})
	}
	return &Reader{server: s, ranges: ranges}, nil
}

// ReadAt walks the resolved shard list, subtracting each shard's
// plot-byte length from the requested offset until it finds the shard
// containing the read, then continues across shard boundaries until p
// is full or the plot's bytes are exhausted. A short read at end of
// plot is reported without error.
func (r *Reader) ReadAt(p []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, ploterr.New(ploterr.PlotInvalid, "negative read offset")
	}
	remainingOffset := uint64(offset)
	var read int
	for _, rng := range r.ranges {
		length := rng.End - rng.Begin
		if remainingOffset >= length {
			remainingOffset -= length
			continue
		}
		if len(p) == read {
			break
		}
		h, err := r.server.openDevice(rng.DevicePath)
		if err != nil {
			return read, err
		}
		devOffset := int64(rng.Begin + remainingOffset)
		want := length - remainingOffset
		if avail := uint64(len(p) - read); want > avail {
			want = avail
		}
		n, err := h.ReadAt(p[read:uint64(read)+want], devOffset)
		read += n
		remainingOffset = 0
		if err != nil {
			return read, ploterr.Wrap(ploterr.DeviceIo, err, "read device %s at %d", rng.DevicePath, devOffset)
		}
		if len(p) == read {
			break
		}
	}
	return read, nil
}

// Close releases the Reader. Device handles are owned by the Server's
// shared cache, not the Reader, so there is nothing to release here;
// Close exists to keep the handle's lifetime explicit at call sites
// and to leave room for per-open bookkeeping later.
func (r *Reader) Close() error {
	return nil
}
