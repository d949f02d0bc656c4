package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonflow/pkg/dragonflow"
)

func graphManifest(cmd *cobra.Command, path string) error {
	m, err := dragonflow.LoadManifest(path)
	if err != nil {
		return err
	}
	g, err := m.Graph()
	if err != nil {
		return err
	}

	critical := make(map[string]bool)
	critPath := g.FindCriticalPath()
	for i := 1; i < len(critPath); i++ {
		critical[critPath[i-1]+"->"+critPath[i]] = true
	}
	writeDOT(cmd.OutOrStdout(), m.Name, g.TopologicalSort(), g.Dependencies, critical)
	return nil
}

// writeDOT renders the task graph in Graphviz format, edges running from
// dependency to dependent.
func writeDOT(w io.Writer, name string, order []string, deps func(string) []string, critical map[string]bool) {
	fmt.Fprintf(w, "digraph %q {\n", name)
	fmt.Fprintln(w, "  rankdir=LR;")
	for _, id := range order {
		fmt.Fprintf(w, "  %q;\n", id)
	}
	for _, id := range order {
		for _, dep := range deps(id) {
			if critical[dep+"->"+id] {
				fmt.Fprintf(w, "  %q -> %q [color=red, penwidth=2];\n", dep, id)
				continue
			}
			fmt.Fprintf(w, "  %q -> %q;\n", dep, id)
		}
	}
	fmt.Fprintln(w, "}")
}
