package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/srg/bluehub/adv"
	"github.com/srg/bluehub/internal/driver/goble"
	"github.com/srg/bluehub/internal/loop"
	"github.com/srg/bluehub/manager"
	"github.com/srg/bluehub/scanner"
)

func newScanCommand() *cobra.Command {
	var (
		duration time.Duration
		passive  bool
		live     bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan for BLE advertisements through the aggregation core",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := configureLogger(cmd)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			lp := loop.New(logger)
			lp.Start()
			defer lp.Stop()

			mgr := manager.New(cfg, lp, logger)
			mode := scanner.ModeActive
			if passive {
				mode = scanner.ModePassive
			}
			local := scanner.NewLocalScanner(scanner.Config{
				Source:           "hci0",
				Adapter:          "hci0",
				Name:             "hci0 (local)",
				Connectable:      true,
				Mode:             mode,
				Loop:             lp,
				Sink:             mgr,
				Logger:           logger,
				WatchdogInterval: cfg.WatchdogInterval,
				WatchdogTimeout:  cfg.WatchdogTimeout,
			}, goble.NewRadio(logger))

			ctx := cmd.Context()
			if err := lp.Call(ctx, func() {
				mgr.Setup()
				mgr.RegisterScanner(local, 0)
				if live {
					mgr.RegisterCallback(printAdvertisement, manager.Filters{})
				}
			}); err != nil {
				return err
			}

			if err := local.Start(ctx); err != nil {
				return err
			}
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = local.Stop(stopCtx)
			}()

			select {
			case <-time.After(duration):
			case <-ctx.Done():
			}

			var infos []*adv.ServiceInfo
			if err := lp.Call(context.Background(), func() {
				infos = mgr.DiscoveredServiceInfo(false)
			}); err != nil {
				return err
			}
			printSummary(infos)
			return nil
		},
	}
	cmd.Flags().DurationVarP(&duration, "duration", "d", 10*time.Second, "scan duration")
	cmd.Flags().BoolVar(&passive, "passive", false, "request passive scanning")
	cmd.Flags().BoolVar(&live, "live", false, "print advertisements as they arrive")
	return cmd
}

func printAdvertisement(device *adv.Device, advertisement *adv.Advertisement) {
	name := ""
	if advertisement.LocalName != nil {
		name = *advertisement.LocalName
	}
	fmt.Printf("%s %s rssi=%d uuids=%d\n",
		color.CyanString(device.Address), name, advertisement.RSSI, len(advertisement.ServiceUUIDs))
}

func printSummary(infos []*adv.ServiceInfo) {
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].RSSI > infos[j].RSSI
	})
	bold := color.New(color.Bold)
	bold.Printf("%-20s %-24s %6s %s\n", "ADDRESS", "NAME", "RSSI", "SERVICES")
	for _, info := range infos {
		name := ""
		if info.HasLocalName {
			name = info.Name
		}
		fmt.Printf("%-20s %-24s %6d %d\n", info.Address, name, info.RSSI, len(info.ServiceUUIDs))
	}
	bold.Printf("%d device(s)\n", len(infos))
}
