// Command hal9 is a thin demonstration driver over the core library: it
// assembles a small layered network, pushes traffic through it, and prints
// what the observer saw. The core makes no commitment to any CLI; this is
// a collaborator layer.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/2lab-ai/hal9/core/engine"
	"github.com/2lab-ai/hal9/core/hal9"
	"github.com/2lab-ai/hal9/core/topology"
)

func main() {
	root := &cobra.Command{
		Use:   "hal9",
		Short: "Hierarchical cognitive runtime demo driver",
	}
	root.AddCommand(runCmd(), snapshotCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		signals  int
		payload  string
		deadline time.Duration
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build a demo L1-L5 chain, submit signals, print the observer report",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := engine.New(hal9.DefaultConfig())
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			defer eng.Stop(2 * time.Second)

			chain, err := buildChain(eng)
			if err != nil {
				return err
			}

			for i := 0; i < signals; i++ {
				if _, err := eng.Submit(
					"cli",
					hal9.TargetUnit(chain[0]),
					[]byte(fmt.Sprintf("%s #%d", payload, i)),
					nil,
					time.Now().Add(deadline),
				); err != nil {
					return err
				}
			}

			// Let propagation and at least one gradient flush settle.
			time.Sleep(500 * time.Millisecond)
			eng.SelfOrganize()

			report := eng.Report()
			if jsonOut {
				out, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			fmt.Printf("observations: %d\n", report.Observations)
			for layer, c := range report.Compression {
				fmt.Printf("  %s compression ratio=%.2f target=%.2f efficiency=%.2f\n",
					layer, c.Ratio, c.Target, c.Efficiency)
			}
			for pair, r := range report.Coherence {
				fmt.Printf("  coherence %s r=%.2f\n", pair, r)
			}
			for _, p := range report.Patterns {
				fmt.Printf("  pattern %s score=%.2f\n", p.Name, p.Score)
			}
			fmt.Printf("  consensus events: %d\n", len(report.Consensus))
			return nil
		},
	}
	cmd.Flags().IntVar(&signals, "signals", 10, "how many signals to submit")
	cmd.Flags().StringVar(&payload, "payload", "analyze system performance and propose fixes", "signal payload")
	cmd.Flags().DurationVar(&deadline, "deadline", time.Second, "per-signal deadline")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "emit the report as JSON")
	return cmd
}

func snapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Build the demo chain and print the topology graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng := engine.New(hal9.DefaultConfig())
			if err := eng.Start(context.Background()); err != nil {
				return err
			}
			defer eng.Stop(time.Second)

			if _, err := buildChain(eng); err != nil {
				return err
			}
			desc := eng.Visualize()
			for _, n := range desc.Nodes {
				fmt.Printf("node %s %s\n", n.ID, n.Layer)
			}
			for _, e := range desc.Edges {
				fmt.Printf("edge %s -> %s strength=%.2f\n", e.From, e.To, e.Strength)
			}
			return nil
		},
	}
}

// buildChain registers one unit per layer L1..L5 and connects them in a
// forward chain. Profiles sweep from fast/simple to slow/elaborate so the
// self-organizer has something meaningful to measure.
func buildChain(eng *engine.Engine) ([]hal9.UnitID, error) {
	profiles := []topology.Profile{
		{Layer: hal9.LayerReflexive, Capabilities: []string{"reflex", "io"}, Speed: 0.95, Complexity: 0.1},
		{Layer: hal9.LayerImplementation, Capabilities: []string{"codegen", "io"}, Speed: 0.7, Complexity: 0.4},
		{Layer: hal9.LayerOperational, Capabilities: []string{"decompose"}, Speed: 0.5, Complexity: 0.5},
		{Layer: hal9.LayerTactical, Capabilities: []string{"plan"}, Speed: 0.3, Complexity: 0.7},
		{Layer: hal9.LayerStrategic, Capabilities: []string{"plan", "prioritize"}, Speed: 0.2, Complexity: 0.9},
	}
	ids := make([]hal9.UnitID, 0, len(profiles))
	for _, p := range profiles {
		pos, err := eng.AddUnit(p, nil)
		if err != nil {
			return nil, err
		}
		ids = append(ids, pos.Unit)
	}
	for i := 0; i+1 < len(ids); i++ {
		if err := eng.Connect(ids[i], ids[i+1], 0.5); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
