// Command plotfs-mount exposes a PlotFS geometry ledger as a
// read-only FUSE filesystem: one regular file per registered plot.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/plotfs/plotfs/lib/vfs"
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

func main() {
	ledgerPath := defaultLedgerPath
	logLevel := logLevelFlag{Level: logrus.InfoLevel}

	cmd := &cobra.Command{
		Use:   "plotfs-mount MOUNTPOINT",
		Short: "Mount a PlotFS geometry as a read-only FUSE filesystem",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logrus.New()
			logger.SetLevel(logLevel.Level)
			ctx := dlog.WithLogger(cmd.Context(), dlog.WrapLogrus(logger))

			grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
				EnableSignalHandling: true,
			})
			grp.Go("mount", func(ctx context.Context) error {
				return runMount(ctx, ledgerPath, args[0])
			})
			return grp.Wait()
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&ledgerPath, "config", "c", defaultLedgerPath, "path to the geometry ledger")
	cmd.Flags().Var(&logLevel, "verbosity", "set the log verbosity")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "plotfs-mount: error: %v\n", err)
		os.Exit(1)
	}
}

func runMount(ctx context.Context, ledgerPath, mountpoint string) error {
	server := vfs.NewServer(ledgerPath)
	if _, err := server.Reload(); err != nil {
		return err
	}
	cfg := defaultMountConfig()
	return Mount(ctx, mountpoint, vfs.NewFS(server), cfg)
}
