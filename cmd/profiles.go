package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var profilesFlags struct {
	yaml bool
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the behavioral profiles in the active catalog",
	RunE:  runProfiles,
}

func init() {
	profilesCmd.Flags().BoolVar(&profilesFlags.yaml, "yaml", false, "Dump the catalog as YAML, usable as profiles_path")
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	catalog, err := loadCatalog(cfg.ProfilesPath)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if profilesFlags.yaml {
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(map[string]any{"profiles": catalog.All()})
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tACTIONS/MIN\tIGNORE\tHANDSHAKE\tDESCRIPTION")
	for _, d := range catalog.All() {
		handshake := d.Handshake
		if handshake == "" {
			handshake = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%g-%g\t%.0f%%\t%s\t%s\n",
			d.ID, d.Name,
			d.ActionFrequency.Min, d.ActionFrequency.Max,
			d.ResponsePatterns.IgnoreRate*100,
			handshake,
			strings.TrimSpace(d.Description))
	}
	return tw.Flush()
}
