// Command routerctl is the operator CLI for the appliance: routes,
// destinations, scripts, archive queries, history, manual retries, and
// offline import, grounded on the teacher's urfave/cli command layout.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/urfave/cli"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/archive"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/config"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destmgr"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/retry"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/xwalk"
)

const commandStatus = "status"

var configFlag = cli.StringFlag{
	Name:  "config",
	Usage: "path to the appliance YAML config",
	Value: "/etc/dicomrouter/config.yaml",
}

func main() {
	app := cli.NewApp()
	app.Name = "routerctl"
	app.Usage = "operate a running DICOM routing appliance"
	app.Flags = []cli.Flag{configFlag}
	app.Commands = []cli.Command{
		statusCmd,
		routesCmd,
		destinationsCmd,
		scriptsCmd,
		queryCmd,
		historyCmd,
		importCmd,
		auditCmd,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "routerctl:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps errors to spec §6's exit code convention: 0 success,
// 1 usage/config error, 2 operational failure.
func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return 1
	}
	return 2
}

type usageError string

func (u usageError) Error() string { return string(u) }

func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.GlobalString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, usageError(err.Error())
	}
	return cfg, nil
}

var statusCmd = cli.Command{
	Name:  commandStatus,
	Usage: "summarize configured routes and destinations",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		fmt.Printf("routes: %d configured\n", len(cfg.Routes))
		for _, r := range cfg.Routes {
			state := "enabled"
			if !r.Enabled {
				state = "disabled"
			}
			fmt.Printf("  %-16s port=%-6d %s destinations=%d\n", r.AETitle, r.Port, state, len(r.Destinations))
		}
		fmt.Printf("destinations: %d configured\n", len(cfg.Destinations))
		return nil
	},
}

var routesCmd = cli.Command{
	Name:  "routes",
	Usage: "inspect configured routes",
	Subcommands: []cli.Command{
		{
			Name:  "list",
			Usage: "list all routes",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				for _, r := range cfg.Routes {
					fmt.Printf("%s\tport=%d\tenabled=%v\n", r.AETitle, r.Port, r.Enabled)
				}
				return nil
			},
		},
		{
			Name:      "show",
			Usage:     "show one route's bindings",
			ArgsUsage: "AE_TITLE",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return usageError("routes show requires an AE title")
				}
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				ae := c.Args().Get(0)
				for _, r := range cfg.Routes {
					if r.AETitle != ae {
						continue
					}
					fmt.Printf("%s port=%d workers=%d max_concurrent=%d study_timeout=%ds\n",
						r.AETitle, r.Port, r.WorkerThreads, r.MaxConcurrentTransfers, r.StudyTimeoutSeconds)
					for _, d := range r.Destinations {
						fmt.Printf("  -> %-16s priority=%d anonymize=%v broker=%v\n", d.Destination, d.Priority, d.Anonymize, d.UseHonestBroker)
					}
					return nil
				}
				return usageError(fmt.Sprintf("no route named %q", ae))
			},
		},
	},
}

var destinationsCmd = cli.Command{
	Name:  "destinations",
	Usage: "inspect and probe configured destinations",
	Subcommands: []cli.Command{
		{
			Name:  "list",
			Usage: "list all destinations",
			Action: func(c *cli.Context) error {
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				names := make([]string, 0, len(cfg.Destinations))
				for name := range cfg.Destinations {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					d := cfg.Destinations[name]
					fmt.Printf("%-16s type=%-6s enabled=%v\n", name, d.Type, d.Enabled)
				}
				return nil
			},
		},
		{
			Name:      "test",
			Usage:     "probe one destination for reachability",
			ArgsUsage: "NAME",
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return usageError("destinations test requires a destination name")
				}
				cfg, err := loadConfig(c)
				if err != nil {
					return err
				}
				name := c.Args().Get(0)
				dc, ok := cfg.Destinations[name]
				if !ok {
					return usageError(fmt.Sprintf("no destination named %q", name))
				}
				dm := destmgr.New(destmgr.DefaultFactory, 1)
				if err := dm.Add(dc.ToDestination(name)); err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := dm.Check(ctx, name); err != nil {
					return err
				}
				h, _ := dm.GetHealth(name)
				fmt.Printf("%s: available=%v consecutive_failures=%d\n", name, h.Available, h.ConsecutiveFailures)
				return nil
			},
		},
	},
}

var scriptsCmd = cli.Command{
	Name:  "scripts",
	Usage: "inspect named anonymization scripts",
	Subcommands: []cli.Command{
		{
			Name:  "list",
			Usage: "list script files in the scripts directory",
			Flags: []cli.Flag{cli.StringFlag{Name: "dir", Value: "/etc/dicomrouter/scripts"}},
			Action: func(c *cli.Context) error {
				entries, err := os.ReadDir(c.String("dir"))
				if err != nil {
					return usageError(err.Error())
				}
				for _, e := range entries {
					fmt.Println(e.Name())
				}
				return nil
			},
		},
		{
			Name:      "show",
			Usage:     "print a script's contents",
			ArgsUsage: "NAME",
			Flags:     []cli.Flag{cli.StringFlag{Name: "dir", Value: "/etc/dicomrouter/scripts"}},
			Action: func(c *cli.Context) error {
				if c.NArg() < 1 {
					return usageError("scripts show requires a script name")
				}
				raw, err := os.ReadFile(filepath.Join(c.String("dir"), c.Args().Get(0)+".script"))
				if err != nil {
					return usageError(err.Error())
				}
				fmt.Print(string(raw))
				return nil
			},
		},
	},
}

var queryCmd = cli.Command{
	Name:      "query",
	Usage:     "query the archive for a study's per-destination status",
	ArgsUsage: "STUDY_UID",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "route, r", Usage: "route AE title"},
		cli.StringFlag{Name: "dest, d", Usage: "limit to one destination"},
		cli.StringFlag{Name: "archive-dir", Value: "/var/lib/dicomrouter/archive"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return usageError("query requires a study UID")
		}
		route := c.String("route")
		if route == "" {
			return usageError("query requires --route")
		}
		ar := archive.New(c.String("archive-dir"))
		summary, err := ar.GetArchivedStudy(route, c.Args().Get(0))
		if err != nil {
			return err
		}
		dest := c.String("dest")
		for name, st := range summary.DestinationStatuses {
			if dest != "" && name != dest {
				continue
			}
			fmt.Printf("%-16s status=%-14s attempts=%d message=%s\n", name, st.Status, st.Attempts, st.Message)
		}
		return nil
	},
}

var historyCmd = cli.Command{
	Name:  "history",
	Usage: "list recently archived studies for a route",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "route, r", Usage: "route AE title"},
		cli.IntFlag{Name: "limit", Value: 20},
		cli.StringFlag{Name: "archive-dir", Value: "/var/lib/dicomrouter/archive"},
	},
	Action: func(c *cli.Context) error {
		route := c.String("route")
		if route == "" {
			return usageError("history requires --route")
		}
		ar := archive.New(c.String("archive-dir"))
		studies, err := ar.ListArchivedStudies(route, c.Int("limit"))
		if err != nil {
			return err
		}
		for _, s := range studies {
			fmt.Printf("%s\t%s\tfiles=%d\n", s.StudyUID, s.ArchivedAt.Format(time.RFC3339), len(s.OriginalFiles))
		}
		return nil
	},
}

var importCmd = cli.Command{
	Name:      "import",
	Usage:     "retry every failed destination for a study from the archive",
	ArgsUsage: "STUDY_UID",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "route, r", Usage: "route AE title"},
		cli.StringFlag{Name: "archive-dir", Value: "/var/lib/dicomrouter/archive"},
	},
	Action: func(c *cli.Context) error {
		if c.NArg() < 1 {
			return usageError("import requires a study UID")
		}
		route := c.String("route")
		if route == "" {
			return usageError("import requires --route")
		}
		ar := archive.New(c.String("archive-dir"))
		dm := destmgr.New(destmgr.DefaultFactory, 4)
		paramsFor := func(route, studyUID, destination string) (destclient.SendParams, error) {
			return destclient.SendParams{StudyUID: studyUID}, nil
		}
		rm := retry.New(ar, dm, paramsFor, 5, 60*time.Second, true)
		return rm.RetryAllFailed(context.Background(), route, c.Args().Get(0))
	},
}

var auditCmd = cli.Command{
	Name:  "audit",
	Usage: "export crosswalk entries for compliance review",
	Subcommands: []cli.Command{
		{
			Name:  "export",
			Usage: "stream lz4-compressed crosswalk entries to stdout",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "xwalk-db", Value: "/var/lib/dicomrouter/crosswalk.db"},
				cli.StringFlag{Name: "broker"},
				cli.StringFlag{Name: "id-type"},
			},
			Action: func(c *cli.Context) error {
				store, err := xwalk.Open(c.String("xwalk-db"))
				if err != nil {
					return usageError(err.Error())
				}
				defer store.Close()
				filter := xwalk.EntryFilter{Broker: c.String("broker"), IDType: c.String("id-type")}
				n, err := store.ExportEntriesLZ4(os.Stdout, filter)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "exported %d entries\n", n)
				return nil
			},
		},
	},
}
