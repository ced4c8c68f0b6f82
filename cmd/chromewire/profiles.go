package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/roelfdiedericks/chromewire/internal/launcher"
	"github.com/roelfdiedericks/chromewire/internal/procreg"
)

type ProfilesCmd struct {
	List   ProfilesListCmd   `cmd:"" help:"List profile directories."`
	Delete ProfilesDeleteCmd `cmd:"" help:"Delete a profile directory."`
}

func (rt *app) profiles() (*launcher.ProfileManager, error) {
	dir, err := rt.cfg.Browser.ResolveProfilesDir()
	if err != nil {
		return nil, err
	}
	return launcher.NewProfileManager(dir), nil
}

type ProfilesListCmd struct{}

func (c *ProfilesListCmd) Run(rt *app) error {
	pm, err := rt.profiles()
	if err != nil {
		return err
	}
	list, err := pm.List()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tLAST USED\tPATH")
	for _, p := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, launcher.FormatSize(p.Size), p.LastUsed.Local().Format(time.DateTime), p.Path)
	}
	return w.Flush()
}

type ProfilesDeleteCmd struct {
	Name string `arg:"" help:"Profile name."`
}

func (c *ProfilesDeleteCmd) Run(rt *app) error {
	reg, err := rt.registry()
	if err != nil {
		return err
	}
	rec, err := reg.Info(c.Name)
	switch {
	case err == nil && reg.Alive(rec):
		return fmt.Errorf("profile %s is in use by pid %d", c.Name, rec.PID)
	case err != nil && !errors.Is(err, procreg.ErrNoRecord):
		return err
	}

	pm, err := rt.profiles()
	if err != nil {
		return err
	}
	if err := pm.Delete(c.Name); err != nil {
		return err
	}
	return reg.Remove(c.Name)
}
