// Command dicomrouter starts the appliance: loads configuration, wires
// every route's receiver/assembler/processor, the destination manager,
// the study archive, and the retry manager, then blocks until an
// interrupt or terminate signal arrives and drains in flight work.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/anonymize"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/archive"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/assembler"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/broker"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/config"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destmgr"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/receiver"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/retry"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/rlog"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/routeproc"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/xwalk"
)

func main() {
	cfgPath := flag.String("config", "/etc/dicomrouter/config.yaml", "path to the appliance YAML config")
	scriptsDir := flag.String("scripts-dir", "/etc/dicomrouter/scripts", "directory of named anonymization scripts")
	xwalkPath := flag.String("xwalk-db", "/var/lib/dicomrouter/crosswalk.db", "crosswalk store path")
	devLog := flag.Bool("dev-log", false, "use a human-readable console log encoder")
	flag.Parse()

	if *devLog {
		rlog.SetDevelopment()
	}
	defer rlog.Sync()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		rlog.Errorf("dicomrouter: load config: %v", err)
		os.Exit(1)
	}

	store, err := xwalk.Open(*xwalkPath)
	if err != nil {
		rlog.Errorf("dicomrouter: open crosswalk store: %v", err)
		os.Exit(1)
	}
	defer store.Close()

	brokers := map[string]broker.Broker{}
	for name, bc := range cfg.Brokers {
		b, err := broker.New(bc.ToBrokerConfig(name), store)
		if err != nil {
			rlog.Errorf("dicomrouter: build broker %s: %v", name, err)
			os.Exit(1)
		}
		brokers[name] = b
	}
	lookupBroker := func(name string) (broker.Broker, bool) {
		b, ok := brokers[name]
		return b, ok
	}
	lookupHasher := func(brokerName string) anonymize.UIDHasher {
		return anonymize.NewUIDHasher(store, brokerName, "uid")
	}
	loadScript := func(name string) (string, error) {
		raw, err := os.ReadFile(*scriptsDir + "/" + name + ".script")
		if err != nil {
			return "", core.Wrapf(err, "load script %s", name)
		}
		return string(raw), nil
	}

	dm := destmgr.New(destmgr.DefaultFactory, cfg.Resilience.HealthCheckIntervalSeconds)
	for name, dc := range cfg.Destinations {
		if err := dm.Add(dc.ToDestination(name)); err != nil {
			rlog.Errorf("dicomrouter: register destination %s: %v", name, err)
			os.Exit(1)
		}
	}

	ar := archive.New(cfg.Receiver.BaseDir + "/archive")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var receivers []*receiver.Receiver
	var asms []*assembler.Assembler
	procs := map[string]*routeproc.Processor{}

	for _, rc := range cfg.Routes {
		route := rc.ToRoute()
		if !route.Enabled {
			continue
		}
		proc := routeproc.New(route, cfg.Receiver.BaseDir, ar, dm, lookupBroker, lookupHasher, loadScript)
		procs[route.AETitle] = proc

		lateDir := cfg.Receiver.BaseDir + "/" + route.AETitle + "/late-arrivals"
		asm := assembler.New(route.AETitle, lateDir, func(study *core.Study, instances []*core.Instance) {
			proc.Process(ctx, study, instances)
		})
		asms = append(asms, asm)

		if removed, err := receiver.GCOrphanedIncoming(cfg.Receiver.BaseDir, route.AETitle, time.Duration(route.StudyTimeoutSecondsOrDefault())*time.Second); err != nil {
			rlog.Warningf("dicomrouter: gc orphaned incoming for %s: %v", route.AETitle, err)
		} else if removed > 0 {
			rlog.Infof("dicomrouter: removed %d orphaned incoming files for %s", removed, route.AETitle)
		}

		recv, err := receiver.New(route, cfg.Receiver.BaseDir, asm)
		if err != nil {
			rlog.Errorf("dicomrouter: start receiver for %s: %v", route.AETitle, err)
			os.Exit(1)
		}
		receivers = append(receivers, recv)
		rlog.Infof("dicomrouter: route %s listening on port %d", route.AETitle, route.Port)
	}

	for _, asm := range asms {
		go asm.Run(ctx)
	}
	go dm.RunProber(ctx, time.Duration(cfg.Resilience.HealthCheckIntervalSeconds)*time.Second)

	paramsFor := retry.ParamsFromArchive(ar)
	maxRetries := cfg.Resilience.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 5
	}
	retryDelay := time.Duration(cfg.Resilience.RetryDelaySeconds) * time.Second
	if retryDelay <= 0 {
		retryDelay = 60 * time.Second
	}
	rm := retry.New(ar, dm, paramsFor, maxRetries, retryDelay, true)
	routeNames := make([]string, 0, len(procs))
	for name := range procs {
		routeNames = append(routeNames, name)
	}
	go rm.Run(ctx, routeNames)

	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := ar.Clean(cfg.Resilience.RetentionDays, maxRetries); err != nil {
					rlog.Warningf("dicomrouter: archive clean: %v", err)
				} else if n > 0 {
					rlog.Infof("dicomrouter: archive clean removed %d studies", n)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	rlog.Infoln("dicomrouter: shutdown signal received, draining")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, r := range receivers {
		if err := r.Shutdown(shutdownCtx); err != nil {
			rlog.Warningf("dicomrouter: receiver shutdown: %v", err)
		}
	}
	cancel()
}
