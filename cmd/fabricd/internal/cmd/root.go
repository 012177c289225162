// Package cmd provides the fabricd command tree.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	fabricpkg "github.com/lattice-agents/fabric"
	"github.com/lattice-agents/fabric/config"
	"github.com/lattice-agents/fabric/controlplane"
	"github.com/lattice-agents/fabric/tier"
)

// Execute runs the root CLI command.
func Execute() error {
	if len(os.Args) < 2 {
		return printUsage()
	}
	switch os.Args[1] {
	case "serve":
		return runServe()
	case "agents":
		return runAgents()
	case "version":
		fmt.Println("fabricd v0.1.0")
		return nil
	case "help", "--help", "-h":
		return printUsage()
	default:
		return fmt.Errorf("unknown command: %s\nRun 'fabricd help' for usage", os.Args[1])
	}
}

func printUsage() error {
	fmt.Println(`fabricd — agent-to-agent coordination fabric control plane

Usage:
  fabricd <command> [options]

Commands:
  serve [addr]   Start the control plane server (default :8420)
  agents         List agents loaded from the topology file
  version        Print version
  help           Show this help

Environment:
  FABRIC_CONFIG   Path to the YAML topology file (agents, tier overrides, sandbox allow-list)`)
	return nil
}

func loadFabric() (*fabricpkg.Fabric, error) {
	topology, err := config.LoadFile("")
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}
	overrides, err := topology.TierOverrideMap()
	if err != nil {
		return nil, err
	}
	tierMap := tier.DefaultTierMap()
	for id, t := range overrides {
		tierMap[id] = t
	}
	f := fabricpkg.New(tierMap)
	if err := f.LoadTopology(topology); err != nil {
		return nil, err
	}
	return f, nil
}

func runServe() error {
	addr := ":8420"
	if len(os.Args) > 2 {
		addr = os.Args[2]
	}
	f, err := loadFabric()
	if err != nil {
		return err
	}
	owner := "sun"
	sc := f.NewSwarmCoordinatorFor(owner)
	srv := controlplane.New(addr, f.Registry, sc, f.Sink, f.Escalation)
	return srv.Start(context.Background())
}

func runAgents() error {
	f, err := loadFabric()
	if err != nil {
		return err
	}
	cards := f.Registry.ListAll()
	if len(cards) == 0 {
		fmt.Println("No agents loaded. Set FABRIC_CONFIG to a topology file.")
		return nil
	}
	fmt.Printf("%-15s %-20s %-5s %s\n", "ID", "NAME", "TIER", "CAPABILITIES")
	fmt.Println(strings.Repeat("-", 70))
	for _, c := range cards {
		var caps []string
		for _, cap := range c.Capabilities {
			caps = append(caps, cap.Name)
		}
		fmt.Printf("%-15s %-20s %-5s %s\n", c.ID, c.Name, c.Tier, strings.Join(caps, ", "))
	}
	return nil
}
