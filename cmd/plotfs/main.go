// Command plotfs is the administrative front end for a PlotFS geometry
// ledger: initializing it, registering and removing devices, adding
// and removing plots, and listing both. Exactly one action flag is
// given per invocation.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plotfs/plotfs/lib/allocator"
	"github.com/plotfs/plotfs/lib/ledger"
)

const defaultLedgerPath = "/var/local/plotfs/plotfs.bin"

type logLevelFlag struct {
	logrus.Level
}

func (f *logLevelFlag) Type() string { return "loglevel" }
func (f *logLevelFlag) Set(str string) error {
	lvl, err := logrus.ParseLevel(str)
	if err != nil {
		return err
	}
	f.Level = lvl
	return nil
}

var _ pflag.Value = (*logLevelFlag)(nil)

type flags struct {
	ledgerPath string
	logLevel   logLevelFlag

	init         bool
	addDevice    string
	removeDevice string
	addPlot      []string
	removePlot   string
	listPlots    bool
	listDevices  bool

	force        bool
	removeSource bool
}

func main() {
	f := &flags{logLevel: logLevelFlag{Level: logrus.InfoLevel}}

	cmd := &cobra.Command{
		Use:           "plotfs",
		Short:         "Administer a PlotFS geometry ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetLevel(f.logLevel.Level)
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{})
			grp.Go("main", func(ctx context.Context) error {
				return run(ctx, f)
			})
			return grp.Wait()
		},
	}

	cmd.Flags().StringVarP(&f.ledgerPath, "config", "c", defaultLedgerPath, "path to the geometry ledger")
	cmd.Flags().Var(&f.logLevel, "verbosity", "set the log verbosity")

	cmd.Flags().BoolVar(&f.init, "init", false, "create a new, empty geometry ledger")
	cmd.Flags().StringVar(&f.addDevice, "add_device", "", "register `PATH` as a new device")
	cmd.Flags().StringVar(&f.removeDevice, "remove_device", "", "remove the device with `HEXID` from the ledger")
	cmd.Flags().StringArrayVar(&f.addPlot, "add_plot", nil, "copy `PATH` in as a new plot")
	cmd.Flags().StringVar(&f.removePlot, "remove_plot", "", "remove the plot with `HEXID` from the ledger")
	cmd.Flags().BoolVar(&f.listPlots, "list_plots", false, "list registered plots")
	cmd.Flags().BoolVar(&f.listDevices, "list_devices", false, "list registered devices")

	cmd.Flags().BoolVar(&f.force, "force", false, "reformat an already-initialized ledger or device")
	cmd.Flags().BoolVar(&f.removeSource, "remove_source", false, "delete the source plot file after a successful add_plot")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "plotfs: error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	actions := 0
	for _, set := range []bool{f.init, f.addDevice != "", f.removeDevice != "", len(f.addPlot) > 0, f.removePlot != "", f.listPlots, f.listDevices} {
		if set {
			actions++
		}
	}
	if actions != 1 {
		return fmt.Errorf("exactly one action flag is required")
	}

	m := ledger.NewManager(f.ledgerPath)

	switch {
	case f.init:
		return m.Init(f.force)
	case f.addDevice != "":
		dev, err := m.AddDevice(f.addDevice, f.force)
		if err != nil {
			return err
		}
		dlog.Infof(ctx, "registered device %s as %x", f.addDevice, dev.ID)
		return nil
	case f.removeDevice != "":
		id, err := parseHexID(f.removeDevice)
		if err != nil {
			return err
		}
		return m.RemoveDevice(id)
	case len(f.addPlot) > 0:
		for _, path := range f.addPlot {
			plot, err := m.AddPlot(ctx, path, f.removeSource)
			if err != nil {
				return err
			}
			dlog.Infof(ctx, "added plot %x from %s", plot.ID, path)
		}
		return nil
	case f.removePlot != "":
		id, err := parseHexID(f.removePlot)
		if err != nil {
			return err
		}
		return m.RemovePlot(id)
	case f.listPlots:
		return listPlots(m)
	case f.listDevices:
		return listDevices(m)
	}
	return nil
}

func parseHexID(s string) ([32]byte, error) {
	var id [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("%q is not a 64-character hex id", s)
	}
	copy(id[:], b)
	return id, nil
}

func listPlots(m *ledger.Manager) error {
	g, err := m.Load()
	if err != nil {
		return err
	}
	for _, p := range g.Plots {
		var size uint64
		for _, s := range p.Shards {
			size += s.End - s.Begin - allocator.HeaderOverhead
		}
		fmt.Printf("%x\t%d\t%d\n", p.ID, size, len(p.Shards))
	}
	return nil
}

func listDevices(m *ledger.Manager) error {
	g, err := m.Load()
	if err != nil {
		return err
	}
	free := allocator.FreeBytes(g)
	for _, d := range g.Devices {
		size := d.End
		f := free[d.ID]
		pct := float64(0)
		if size > 0 {
			pct = 100 - float64(f)/float64(size)*100
		}
		fmt.Printf("%x\t%d/%d\t%.1f%%\t%s\n", d.ID, f, size, pct, d.Path)
	}
	return nil
}
