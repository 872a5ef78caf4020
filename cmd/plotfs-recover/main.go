// Command plotfs-recover walks the on-device recovery-point chain
// rooted at each given device's own usable-region start, without
// consulting any geometry ledger, printing what it can reconstruct as
// indented JSON. It exists because the on-device formats (4.B, 4.E) are
// deliberately self-describing enough to survive a lost ledger; this
// tool is the concrete proof of that property. It does not rewrite a
// ledger — reattaching a recovered chain to a fresh one is a human
// decision.
package main

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"

	"git.lukeshu.com/go/lowmemjson"
	"github.com/datawire/dlib/derror"

	"github.com/plotfs/plotfs/lib/devheader"
	"github.com/plotfs/plotfs/lib/diskio"
	"github.com/plotfs/plotfs/lib/recoveryheader"
)

// deviceInfo is one scanned device's header and, if the recovery point
// at its usable region's first byte could not be read or decoded, why.
type deviceInfo struct {
	Path       string `json:"path"`
	ID         string `json:"id"`
	Begin      uint64 `json:"begin"`
	End        uint64 `json:"end"`
	FirstShard string `json:"first_shard_error,omitempty"`
}

// shardHop is one link of a recovery-point chain as walked across the
// scanned devices.
type shardHop struct {
	DeviceID   string `json:"device_id"`
	DevicePath string `json:"device_path"`
	Offset     uint64 `json:"offset"`
	ShardSize  uint64 `json:"shard_size"`
}

// plotChain is one reconstructed shard chain, rooted at the device
// whose own usable-region start begins it. A device whose
// usable-region start was already reached while walking another chain
// is not given a chain of its own.
type plotChain struct {
	Root string     `json:"root_device_id"`
	Hops []shardHop `json:"hops"`
}

// openedDevice is a scanned device kept open for the duration of the
// chain walk.
type openedDevice struct {
	handle *diskio.Handle
	header devheader.Header
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "plotfs-recover: error: %v\n", err)
		os.Exit(1)
	}
}

func run(paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("usage: plotfs-recover DEVICE_PATH...")
	}

	byID := make(map[[devheader.IDSize]byte]openedDevice, len(paths))
	devices := make(map[string]deviceInfo, len(paths))
	order := make([][devheader.IDSize]byte, 0, len(paths))

	for _, path := range paths {
		h, err := diskio.Open(path, false)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			continue
		}
		probe := make([]byte, devheader.ReadSize())
		if _, err := h.ReadAt(probe, 0); err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			h.Close()
			continue
		}
		hdr, err := devheader.Parse(probe)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skipping %s: %v\n", path, err)
			h.Close()
			continue
		}
		byID[hdr.ID] = openedDevice{handle: h, header: hdr}
		order = append(order, hdr.ID)
		devices[hex.EncodeToString(hdr.ID[:])] = deviceInfo{
			Path:  path,
			ID:    hex.EncodeToString(hdr.ID[:]),
			Begin: hdr.Begin,
			End:   hdr.End,
		}
	}
	defer func() {
		var errs derror.MultiError
		for _, o := range byID {
			if err := o.handle.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if errs != nil {
			fmt.Fprintf(os.Stderr, "plotfs-recover: closing devices: %v\n", errs)
		}
	}()

	if len(order) == 0 {
		return fmt.Errorf("no device in the given set carries a readable PlotFS signature")
	}

	seen := make(map[[devheader.IDSize]byte]map[uint64]bool)
	var chains []plotChain
	for _, id := range order {
		begin := byID[id].header.Begin
		if seen[id][begin] {
			continue // already reached while walking another device's chain
		}
		hops, err := walkChain(byID, seen, id, begin)
		if err != nil {
			key := hex.EncodeToString(id[:])
			di := devices[key]
			di.FirstShard = err.Error()
			devices[key] = di
			continue
		}
		if len(hops) > 0 {
			chains = append(chains, plotChain{Root: hex.EncodeToString(id[:]), Hops: hops})
		}
	}

	out := struct {
		Devices map[string]deviceInfo `json:"devices"`
		Chains  []plotChain           `json:"chains"`
	}{Devices: devices, Chains: chains}

	buffer := bufio.NewWriter(os.Stdout)
	defer buffer.Flush()
	return lowmemjson.Encode(&lowmemjson.ReEncoder{
		Out:    buffer,
		Indent: "\t",
	}, out)
}

// walkChain follows recovery-point headers starting at (startID,
// offset), stopping when a header fails to decode or names a device
// outside the scanned set. seen is shared across every device's walk so
// a chain that wanders onto an already-visited device/offset stops
// rather than being reported twice. If the very first header of the
// walk fails to read or decode, that failure is returned as err so the
// caller can record it against the root device; failures deeper in the
// chain just end the chain.
func walkChain(byID map[[devheader.IDSize]byte]openedDevice, seen map[[devheader.IDSize]byte]map[uint64]bool, startID [devheader.IDSize]byte, offset uint64) (hops []shardHop, err error) {
	id, off := startID, offset
	first := true
	for {
		dev, ok := byID[id]
		if !ok {
			break
		}
		if seen[id] == nil {
			seen[id] = make(map[uint64]bool)
		}
		if seen[id][off] {
			break // chain loops back on itself; stop rather than spin forever
		}
		seen[id][off] = true

		buf := make([]byte, recoveryheader.Size)
		if _, rerr := dev.handle.ReadAt(buf, int64(off)); rerr != nil {
			if first {
				err = rerr
			}
			break
		}
		rp, perr := recoveryheader.Parse(buf)
		if perr != nil {
			if first {
				err = perr
			}
			break
		}
		hops = append(hops, shardHop{
			DeviceID:   hex.EncodeToString(id[:]),
			DevicePath: dev.handle.Path(),
			Offset:     off,
			ShardSize:  rp.ShardSize,
		})
		first = false
		if !rp.HasNext() {
			break
		}
		id, off = rp.NextDeviceID, rp.NextDeviceOffset
	}
	return hops, err
}
