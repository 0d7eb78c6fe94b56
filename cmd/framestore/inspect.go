package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"framestore/internal/home"
	"framestore/internal/source"
	sourcefile "framestore/internal/source/file"
)

func newInspectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "inspect [store...]",
		Short: "Show the source manifests kept in the home directory",
		Long: "Show the source manifests kept in the home directory. Without arguments\n" +
			"every store with a manifest is shown.",
		RunE: func(cmd *cobra.Command, args []string) error {
			hd, err := resolveHome(cmd)
			if err != nil {
				return err
			}
			output, _ := cmd.Flags().GetString("output")
			return inspect(cmd.OutOrStdout(), hd, args, output)
		},
	}
	cmd.Flags().StringP("output", "o", "table", "output format: table or json")
	return cmd
}

// storeManifest is the records of one store's manifest.
type storeManifest struct {
	Store   string          `json:"store"`
	Sources []source.Record `json:"sources"`
}

func inspect(w io.Writer, hd home.Dir, stores []string, output string) error {
	if output != "table" && output != "json" {
		return fmt.Errorf("invalid output %q: want table or json", output)
	}
	if len(stores) == 0 {
		var err error
		if stores, err = hd.Manifests(); err != nil {
			return err
		}
	}

	manifests := make([]storeManifest, 0, len(stores))
	for _, store := range stores {
		path := hd.ManifestPath(store)
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("no manifest for store %q in %s", store, hd.ManifestDir())
		}
		records, err := sourcefile.NewStore(path).LoadAll()
		if err != nil {
			return err
		}
		manifests = append(manifests, storeManifest{Store: store, Sources: records})
	}

	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(manifests)
	}
	printManifests(w, manifests)
	return nil
}

func printManifests(w io.Writer, manifests []storeManifest) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STORE\tSOURCE\tDTYPE\tSHAPE\tSTATE\tWRITTEN\tREPORTED\tURI")
	for _, m := range manifests {
		for _, rec := range m.Sources {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				m.Store, rec.Info.Name, rec.Info.DType, rec.Info.Shape.String(), rec.State,
				strconv.Itoa(rec.Written), strconv.Itoa(rec.Reported), rec.Path.StoreURI)
		}
	}
	_ = tw.Flush()
}
