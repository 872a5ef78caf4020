// Package ledger implements the geometry ledger's state machine: lock
// discipline, atomic whole-buffer rewrite, and every mutating
// operation. It is the only package that opens the ledger file.
package ledger

import (
	"context"
	"io"
	"os"

	"github.com/datawire/dlib/dlog"
	"github.com/davecgh/go-spew/spew"

	"github.com/plotfs/plotfs/lib/allocator"
	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/diskio"
	"github.com/plotfs/plotfs/lib/geometry"
	"github.com/plotfs/plotfs/lib/ploterr"
	"github.com/plotfs/plotfs/lib/plotfile"
	"github.com/plotfs/plotfs/lib/plotwriter"
)

// Manager owns the ledger file at Path and serializes every mutation
// against it under an advisory lock.
type Manager struct {
	Path string
}

// NewManager returns a Manager for the ledger file at path. It does not
// touch the filesystem; call Init or Load first.
func NewManager(path string) *Manager {
	return &Manager{Path: path}
}

// Init creates an empty ledger at m.Path if none exists, or if force is
// set, truncates whatever is there. Without force, a non-empty existing
// file is left untouched and reported as already initialized.
func (m *Manager) Init(force bool) error {
	h, err := diskio.Create(m.Path)
	if err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "open ledger %s", m.Path)
	}
	defer h.Close()

	if err := h.LockExclusive(); err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "lock ledger %s", m.Path)
	}
	defer h.Unlock()

	size, err := h.Size()
	if err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "stat ledger %s", m.Path)
	}
	if size > 0 && !force {
		return ploterr.New(ploterr.LedgerIo, "ledger %s already initialized; pass force to overwrite", m.Path)
	}

	return rewrite(h, geometry.Geometry{})
}

// Load reads and verifies the ledger under a shared lock.
func (m *Manager) Load() (geometry.Geometry, error) {
	h, err := diskio.Open(m.Path, false)
	if err != nil {
		return geometry.Geometry{}, ploterr.Wrap(ploterr.LedgerIo, err, "open ledger %s", m.Path)
	}
	defer h.Close()

	if err := h.LockShared(); err != nil {
		return geometry.Geometry{}, ploterr.Wrap(ploterr.LedgerIo, err, "lock ledger %s", m.Path)
	}
	defer h.Unlock()

	return load(h)
}

// mutate runs fn against the current geometry under an exclusive lock
// and, if fn succeeds, rewrites the ledger with fn's result before
// releasing the lock. This is the load -> mutate -> rewrite+sync ->
// release cycle every operation but addPlot follows exactly.
func (m *Manager) mutate(fn func(geometry.Geometry) (geometry.Geometry, error)) error {
	h, err := diskio.Open(m.Path, true)
	if err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "open ledger %s", m.Path)
	}
	defer h.Close()

	if err := h.LockExclusive(); err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "lock ledger %s", m.Path)
	}
	defer h.Unlock()

	g, err := load(h)
	if err != nil {
		return err
	}
	g2, err := fn(g)
	if err != nil {
		return err
	}
	return rewrite(h, g2)
}

func load(h *diskio.Handle) (geometry.Geometry, error) {
	size, err := h.Size()
	if err != nil {
		return geometry.Geometry{}, ploterr.Wrap(ploterr.LedgerIo, err, "stat ledger")
	}
	buf := make([]byte, size)
	if _, err := h.ReadAt(buf, 0); err != nil && err != io.EOF {
		return geometry.Geometry{}, ploterr.Wrap(ploterr.LedgerIo, err, "read ledger")
	}
	if len(buf) == 0 {
		return geometry.Geometry{}, ploterr.New(ploterr.LedgerCorrupt, "ledger is empty")
	}
	return geometry.Decode(buf)
}

// rewrite performs the crash-safe whole-buffer write: seek(0),
// truncate(0), write the entire new buffer, fsync. If any step fails
// partway, the ledger is left either in its pre-mutation state or fails
// LedgerCorrupt on the next load, never a torn mix of the two.
func rewrite(h *diskio.Handle, g geometry.Geometry) error {
	buf := geometry.Encode(g)
	if err := h.Truncate(0); err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "truncate ledger")
	}
	if _, err := h.WriteAt(buf, 0); err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "write ledger")
	}
	if err := h.Sync(); err != nil {
		return ploterr.Wrap(ploterr.LedgerIo, err, "sync ledger")
	}
	return nil
}

// AddDevice formats devPath as a new PlotFS device and appends it to
// the geometry. If devPath is already registered, or already carries a
// valid signature and force is false, it refuses rather than risk
// overwriting live data.
func (m *Manager) AddDevice(devPath string, force bool) (geometry.Device, error) {
	var newDev geometry.Device
	err := m.mutate(func(g geometry.Geometry) (geometry.Geometry, error) {
		for _, d := range g.Devices {
			if d.Path == devPath {
				return g, ploterr.New(ploterr.DeviceConflict, "%s is already a registered device", devPath)
			}
		}

		h, err := diskio.Open(devPath, true)
		if err != nil {
			return g, ploterr.Wrap(ploterr.DeviceIo, err, "open %s", devPath)
		}
		defer h.Close()

		if !force {
			probe := make([]byte, devheader.ReadSize())
			if _, err := h.ReadAt(probe, 0); err == nil {
				if _, perr := devheader.Parse(probe); perr == nil {
					return g, ploterr.New(ploterr.DeviceConflict, "%s already carries a PlotFS signature; pass force to reformat", devPath)
				}
			}
		}

		size, err := h.Size()
		if err != nil {
			return g, ploterr.Wrap(ploterr.DeviceIo, err, "stat %s", devPath)
		}
		id, err := devheader.NewID()
		if err != nil {
			return g, err
		}
		const begin = 1024
		if size < begin {
			return g, ploterr.New(ploterr.DeviceIo, "%s is smaller than the minimum device size", devPath)
		}

		header := devheader.Format(id, begin, uint64(size))
		if _, err := h.WriteAt(header, 0); err != nil {
			return g, ploterr.Wrap(ploterr.DeviceIo, err, "write device header to %s", devPath)
		}
		if err := h.Sync(); err != nil {
			return g, ploterr.Wrap(ploterr.DeviceIo, err, "sync %s", devPath)
		}

		newDev = geometry.Device{ID: id, Path: devPath, Begin: begin, End: uint64(size)}
		g.Devices = append(g.Devices, newDev)
		return g, nil
	})
	return newDev, err
}

// RemoveDevice drops a device from the geometry. On-device bytes and
// any plots whose shards reference it are left untouched: those plots'
// reads will fail, which is documented, intentional behavior.
func (m *Manager) RemoveDevice(id [devheader.IDSize]byte) error {
	return m.mutate(func(g geometry.Geometry) (geometry.Geometry, error) {
		out := g.Devices[:0]
		found := false
		for _, d := range g.Devices {
			if d.ID == id {
				found = true
				continue
			}
			out = append(out, d)
		}
		if !found {
			return g, ploterr.New(ploterr.NotFound, "no device with that id")
		}
		g.Devices = out
		return g, nil
	})
}

// RemovePlot drops a plot's metadata from the geometry. Device bytes at
// its former shard offsets are untouched.
func (m *Manager) RemovePlot(id [32]byte) error {
	return m.mutate(func(g geometry.Geometry) (geometry.Geometry, error) {
		out := g.Plots[:0]
		found := false
		for _, p := range g.Plots {
			if p.ID == id {
				found = true
				continue
			}
			out = append(out, p)
		}
		if !found {
			return g, ploterr.New(ploterr.NotFound, "no plot with that id")
		}
		g.Plots = out
		return g, nil
	})
}

// SetPlotFlags sets or clears bits of flags on a plot.
func (m *Manager) SetPlotFlags(id [32]byte, flags geometry.PlotFlags, clear bool) error {
	return m.mutate(func(g geometry.Geometry) (geometry.Geometry, error) {
		for i := range g.Plots {
			if g.Plots[i].ID != id {
				continue
			}
			if clear {
				g.Plots[i].Flags &^= flags
			} else {
				g.Plots[i].Flags |= flags
			}
			return g, nil
		}
		return g, ploterr.New(ploterr.NotFound, "no plot with that id")
	})
}

// deviceIndex maps device ids to registered paths, used to open shard
// targets by id during the bulk copy phase of AddPlot.
func deviceIndex(g geometry.Geometry) map[[devheader.IDSize]byte]string {
	idx := make(map[[devheader.IDSize]byte]string, len(g.Devices))
	for _, d := range g.Devices {
		idx[d.ID] = d.Path
	}
	return idx
}

// AddPlot runs the two-phase commit described in the plot writer
// design: reserve shards and mark the plot Reserved under an exclusive
// lock, release the lock for the bulk copy, then reacquire to clear
// Reserved. A copy failure drops the Reserved plot from the ledger
// rather than leaving a half-written one claiming space forever; a
// failure while clearing Reserved leaves the plot in place, Reserved.
func (m *Manager) AddPlot(ctx context.Context, srcPath string, removeSource bool) (geometry.Plot, error) {
	src, err := plotfile.Open(srcPath)
	if err != nil {
		return geometry.Plot{}, err
	}
	defer src.Close()

	var plot geometry.Plot
	var devPaths map[[devheader.IDSize]byte]string

	err = m.mutate(func(g geometry.Geometry) (geometry.Geometry, error) {
		for _, p := range g.Plots {
			if p.ID == src.Header.ID {
				return g, ploterr.New(ploterr.PlotDuplicate, "a plot with this id is already registered")
			}
		}
		shards, err := allocator.Reserve(g, uint64(src.Size))
		if err != nil {
			return g, err
		}
		plot = geometry.Plot{
			ID:     src.Header.ID,
			K:      src.Header.K,
			Flags:  geometry.Reserved,
			Shards: shards,
		}
		devPaths = deviceIndex(g)
		g.Plots = append(g.Plots, plot)
		dlog.Tracef(ctx, "reserved shards for new plot:\n%s", spew.Sdump(plot))
		return g, nil
	})
	if err != nil {
		return geometry.Plot{}, err
	}

	openDevice := func(id [devheader.IDSize]byte) (*diskio.Handle, error) {
		path, ok := devPaths[id]
		if !ok {
			return nil, ploterr.New(ploterr.NotFound, "no registered device for shard")
		}
		return diskio.Open(path, true)
	}

	copyErr := plotwriter.Copy(ctx, src, plot.Shards, openDevice)
	if copyErr != nil {
		// Best-effort: drop the Reserved plot so it doesn't sit forever
		// claiming space its bytes were never fully written into.
		_ = m.RemovePlot(plot.ID)
		return geometry.Plot{}, copyErr
	}

	if err := m.SetPlotFlags(plot.ID, geometry.Reserved, true); err != nil {
		return geometry.Plot{}, err
	}
	plot.Flags &^= geometry.Reserved

	if removeSource {
		if err := os.Remove(srcPath); err != nil {
			return plot, ploterr.Wrap(ploterr.PlotIo, err, "remove source plot %s after copy", srcPath)
		}
	}

	return plot, nil
}
