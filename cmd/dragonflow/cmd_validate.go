package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ZanzyTHEbar/dragonflow/pkg/dragonflow"
)

func validateManifest(cmd *cobra.Command, path string) error {
	m, err := dragonflow.LoadManifest(path)
	if err != nil {
		return err
	}
	g, err := m.Graph()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	stats := g.GetStats()
	fmt.Fprintf(out, "Manifest %q is valid: %d workers, %d tasks\n", m.Name, len(m.Workers), stats.Total)
	fmt.Fprintf(out, "Order:         %s\n", strings.Join(g.TopologicalSort(), " -> "))
	fmt.Fprintf(out, "Critical path: %s\n", strings.Join(g.FindCriticalPath(), " -> "))
	fmt.Fprintf(out, "Fan-in:        avg %.2f, max %d\n", stats.AvgFanIn, stats.MaxFanIn)
	for i, wave := range g.Levels() {
		fmt.Fprintf(out, "Wave %d:        %s\n", i+1, strings.Join(wave, ", "))
	}
	return nil
}
