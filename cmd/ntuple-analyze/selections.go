package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/banshee-data/ntuple-tools/internal/selection"
)

type selectionEntry struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label,omitempty"`
	Expr  string `yaml:"expr,omitempty"`
}

func newSelectionsCmd() *cobra.Command {
	var families []string
	cmd := &cobra.Command{
		Use:   "selections",
		Short: "List the selection catalogue as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeSelections(cmd.OutOrStdout(), selection.NewCatalogue(), families)
		},
	}
	cmd.Flags().StringSliceVar(&families, "family", nil, "families to list (default all)")
	return cmd
}

func writeSelections(w io.Writer, cat *selection.Catalogue, families []string) error {
	all := cat.Families()
	if len(families) == 0 {
		families = sortedKeys(all)
	}

	out := make(map[string][]selectionEntry, len(families))
	for _, name := range families {
		sels, ok := all[name]
		if !ok {
			return fmt.Errorf("unknown selection family %q", name)
		}
		entries := make([]selectionEntry, len(sels))
		for i, s := range sels {
			entries[i] = selectionEntry{Name: s.Name, Label: s.Label, Expr: s.Expr()}
		}
		out[name] = entries
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("failed to encode selections: %w", err)
	}
	return enc.Close()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
