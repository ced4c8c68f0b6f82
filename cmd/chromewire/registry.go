package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/procreg"
)

type RegistryCmd struct {
	List      RegistryListCmd      `cmd:"" help:"List recorded browser processes."`
	Info      RegistryInfoCmd      `cmd:"" help:"Show the record for one profile."`
	Sweep     RegistrySweepCmd     `cmd:"" help:"Delete records whose process is gone."`
	Reconcile RegistryReconcileCmd `cmd:"" help:"Stop a leftover browser for a profile and drop its record."`
	Forget    RegistryForgetCmd    `cmd:"" help:"Delete a record without touching the process."`
}

func (rt *app) registry() (*procreg.Registry, error) {
	dir, err := rt.cfg.Registry.ResolveDir()
	if err != nil {
		return nil, err
	}
	return procreg.New(dir, procreg.Options{
		TerminateGrace: rt.cfg.Registry.ResolveTerminateGrace(),
		KillWait:       rt.cfg.Registry.ResolveKillWait(),
		Metrics:        rt.metrics,
	})
}

type RegistryListCmd struct {
	Active bool `help:"Only show records whose process is running."`
}

func (c *RegistryListCmd) Run(rt *app) error {
	reg, err := rt.registry()
	if err != nil {
		return err
	}
	records, err := reg.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tPID\tSTATUS\tSTARTED\tPROFILE DIR")
	for _, rec := range records {
		status := "gone"
		if reg.Alive(rec) {
			status = "running"
		} else if c.Active {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", rec.Name, rec.PID, status, rec.Timestamp.Local().Format(time.DateTime), rec.ProfileDir)
	}
	return w.Flush()
}

type RegistryInfoCmd struct {
	Name string `arg:"" help:"Profile name."`
}

func (c *RegistryInfoCmd) Run(rt *app) error {
	reg, err := rt.registry()
	if err != nil {
		return err
	}
	rec, err := reg.Info(c.Name)
	if err != nil {
		return err
	}
	fmt.Printf("name:        %s\n", rec.Name)
	fmt.Printf("pid:         %d (alive: %t)\n", rec.PID, reg.Alive(rec))
	fmt.Printf("started:     %s\n", rec.Timestamp.Local().Format(time.RFC3339))
	fmt.Printf("profile dir: %s\n", rec.ProfileDir)
	fmt.Printf("launch id:   %s\n", rec.LaunchID)
	return nil
}

type RegistrySweepCmd struct{}

func (c *RegistrySweepCmd) Run(rt *app) error {
	reg, err := rt.registry()
	if err != nil {
		return err
	}
	removed, err := reg.SweepOrphans()
	for _, name := range removed {
		fmt.Printf("removed %s\n", name)
	}
	if len(removed) == 0 && err == nil {
		fmt.Println("nothing to sweep")
	}
	return err
}

type RegistryReconcileCmd struct {
	Name string `arg:"" help:"Profile name."`
}

func (c *RegistryReconcileCmd) Run(rt *app) error {
	reg, err := rt.registry()
	if err != nil {
		return err
	}
	stale, err := reg.Reconcile(context.Background(), c.Name)
	if err != nil {
		return err
	}
	if stale {
		fmt.Printf("%s: stopped leftover browser\n", c.Name)
	} else {
		fmt.Printf("%s: no running browser\n", c.Name)
	}
	return nil
}

type RegistryForgetCmd struct {
	Name string `arg:"" help:"Profile name."`
}

func (c *RegistryForgetCmd) Run(rt *app) error {
	reg, err := rt.registry()
	if err != nil {
		return err
	}
	return reg.Remove(c.Name)
}
