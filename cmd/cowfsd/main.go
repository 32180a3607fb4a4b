// Copyright (C) 2023 cowfs authors
//
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cowfs/cowfs"
	"github.com/cowfs/cowfs/corelog"
	"github.com/cowfs/cowfs/internal/dataop"
	"github.com/cowfs/cowfs/internal/device"
	"github.com/cowfs/cowfs/internal/diskio"
	"github.com/cowfs/cowfs/internal/fsck"
)

// discardSweepInterval paces the background discard worker started by
// "serve"; spec.md doesn't mandate a cadence, so this matches the
// order of magnitude a spinning-rust discard call itself costs.
const discardSweepInterval = 30 * time.Second

func main() {
	logLevel := corelog.LevelFlag{Level: dlog.LogLevel(logrus.InfoLevel)}
	var logJSON bool

	argparser := &cobra.Command{
		Use:           "cowfsd {[flags]|SUBCOMMAND}",
		Short:         "Format, serve, and check a cowfs filesystem",
		SilenceErrors: true,
		SilenceUsage:  true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
	}
	argparser.PersistentFlags().Var(&logLevel, "verbosity", "set the verbosity (panic|fatal|error|warn|info|debug|trace)")
	argparser.PersistentFlags().BoolVar(&logJSON, "log-json", false, "also emit machine-parseable JSON log lines on stderr")

	argparser.AddCommand(newFormatCmd(&logLevel, &logJSON))
	argparser.AddCommand(newServeCmd(&logLevel, &logJSON))
	argparser.AddCommand(newFsckCmd(&logLevel, &logJSON))
	argparser.AddCommand(newScrubCmd(&logLevel, &logJSON))

	if err := argparser.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withGroup wraps run in a dgroup so every subcommand gets the same
// signal-handling shutdown behavior the teacher's cmd/btrfs-rec uses.
func withGroup(cmd *cobra.Command, logLevel *corelog.LevelFlag, logJSON *bool, run func(ctx context.Context) error) error {
	var sinks []corelog.Sink
	if *logJSON {
		sinks = append(sinks, corelog.ZerologSink{
			Logger: zerolog.New(os.Stderr).With().Timestamp().Logger(),
		})
	}
	ctx := corelog.New(cmd.Context(), logLevel.Level, sinks...)

	grp := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		EnableSignalHandling: true,
	})
	grp.Go("main", run)
	return grp.Wait()
}

// Read-cache geometry for opened devices: 64-sector (32 KiB) blocks,
// 256 of them (8 MiB per device). Writes invalidate through, so the
// cache is safe for mutating subcommands too.
const (
	devCacheBlockSectors = 64
	devCacheBlocks       = 256
)

func openDevices(ctx context.Context, paths map[device.Idx]string, flag int) (map[device.Idx]diskio.File, error) {
	files := make(map[device.Idx]diskio.File, len(paths))
	for idx, path := range paths {
		f, err := diskio.OpenOSFile(path, flag, 0o644)
		if err != nil {
			for _, opened := range files {
				_ = opened.Close()
			}
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		files[idx] = diskio.NewBufferedFile(f, devCacheBlockSectors, devCacheBlocks)
	}
	return files, nil
}

func parseDevFlags(devFlag []string) map[device.Idx]string {
	paths := make(map[device.Idx]string, len(devFlag))
	for i, path := range devFlag {
		paths[device.Idx(i)] = path
	}
	return paths
}

func newFormatCmd(logLevel *corelog.LevelFlag, logJSON *bool) *cobra.Command {
	var devFlag []string
	var bucketSize uint32
	var nrBuckets uint64
	var blockSize uint16

	cmd := &cobra.Command{
		Use:   "format",
		Short: "Initialize a fresh filesystem across one or more devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroup(cmd, logLevel, logJSON, func(ctx context.Context) error {
				paths := parseDevFlags(devFlag)
				files, err := openDevices(ctx, paths, os.O_RDWR|os.O_CREATE)
				if err != nil {
					return err
				}
				specs := make(map[device.Idx]cowfs.FormatDevice, len(files))
				for idx, f := range files {
					specs[idx] = cowfs.FormatDevice{File: f, BucketSize: bucketSize, NrBuckets: nrBuckets}
				}
				if err := cowfs.Format(uuid.New(), blockSize, specs); err != nil {
					return err
				}
				dlog.Infof(ctx, "formatted %d device(s)", len(specs))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&devFlag, "dev", nil, "device file to format; may be repeated")
	cmd.Flags().Uint32Var(&bucketSize, "bucket-size", 1<<16, "bytes per bucket")
	cmd.Flags().Uint64Var(&nrBuckets, "nr-buckets", 0, "buckets to allocate on each device")
	cmd.Flags().Uint16Var(&blockSize, "block-size", 4096, "device sector size in bytes")
	return cmd
}

func newServeCmd(logLevel *corelog.LevelFlag, logJSON *bool) *cobra.Command {
	var devFlag []string
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Mount and run a cowfs filesystem until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroup(cmd, logLevel, logJSON, func(ctx context.Context) error {
				paths := parseDevFlags(devFlag)
				files, err := openDevices(ctx, paths, os.O_RDWR)
				if err != nil {
					return err
				}

				promReg := prometheus.NewRegistry()
				fs, err := cowfs.Open(ctx, files, promReg)
				if err != nil {
					return err
				}

				if metricsAddr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
					srv := &http.Server{Addr: metricsAddr, Handler: mux}
					go func() {
						if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
							dlog.Errorf(ctx, "metrics server: %v", err)
						}
					}()
					defer srv.Close()
				}

				discardCtx, cancelDiscard := context.WithCancel(ctx)
				defer cancelDiscard()
				go func() {
					ticker := time.NewTicker(discardSweepInterval)
					defer ticker.Stop()
					for {
						select {
						case <-discardCtx.Done():
							return
						case <-ticker.C:
							if _, err := fs.Discarder.Run(discardCtx); err != nil && discardCtx.Err() == nil {
								dlog.Errorf(discardCtx, "discard worker: %v", err)
							}
						}
					}
				}()

				dlog.Infof(ctx, "serving fs %s (%d device(s))", fs.UUID, len(files))
				<-ctx.Done()
				return fs.Stop(context.Background())
			})
		},
	}
	cmd.Flags().StringArrayVar(&devFlag, "dev", nil, "device file to mount; may be repeated")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	return cmd
}

func newFsckCmd(logLevel *corelog.LevelFlag, logJSON *bool) *cobra.Command {
	var devFlag []string
	var repair bool

	cmd := &cobra.Command{
		Use:   "fsck",
		Short: "Check (and optionally repair) allocator index consistency",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroup(cmd, logLevel, logJSON, func(ctx context.Context) error {
				paths := parseDevFlags(devFlag)
				files, err := openDevices(ctx, paths, os.O_RDWR)
				if err != nil {
					return err
				}
				promReg := prometheus.NewRegistry()
				fs, err := cowfs.Open(ctx, files, promReg)
				if err != nil {
					return err
				}
				defer fs.Stop(ctx)

				report, err := fsck.Run(ctx, fs.Engine, fsck.Opts{Repair: repair})
				if err != nil {
					return err
				}
				dlog.Infof(ctx, "fsck: scanned %d bucket(s), %d finding(s), %d repaired", report.BucketsScanned, len(report.Findings), report.Repaired)
				for _, f := range report.Findings {
					dlog.Warnf(ctx, "fsck: %s %s: %s", f.BtreeID, f.Addr, f.Detail)
				}
				if len(report.Findings) > 0 && !repair {
					return fmt.Errorf("fsck: %d inconsistenc(ies) found", len(report.Findings))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&devFlag, "dev", nil, "device file to check; may be repeated")
	cmd.Flags().BoolVar(&repair, "repair", false, "re-stage inconsistent alloc keys to rebuild their index entries")
	return cmd
}

func newScrubCmd(logLevel *corelog.LevelFlag, logJSON *bool) *cobra.Command {
	var devFlag []string

	cmd := &cobra.Command{
		Use:   "scrub",
		Short: "Read-verify every allocated bucket across the filesystem",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGroup(cmd, logLevel, logJSON, func(ctx context.Context) error {
				paths := parseDevFlags(devFlag)
				files, err := openDevices(ctx, paths, os.O_RDONLY)
				if err != nil {
					return err
				}
				promReg := prometheus.NewRegistry()
				fs, err := cowfs.Open(ctx, files, promReg)
				if err != nil {
					return err
				}
				defer fs.Stop(ctx)

				progress := dataop.Run(ctx, fs.Engine, fs.Devices(), dataop.DataOp{Op: dataop.OpScrub})
				for p := range progress {
					if p.Err != nil {
						return p.Err
					}
					dlog.Infof(ctx, "scrub: %d/%d buckets (%s %s)", p.SectorsDone, p.SectorsTotal, p.BtreeID, p.Pos)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&devFlag, "dev", nil, "device file to scrub; may be repeated")
	return cmd
}
