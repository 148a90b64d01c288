package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/fairhold/fleetwatch/internal/cli"
)

func main() {
	if err := newRoot().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "fleetwatchctl",
		Short:         "fleetwatch cluster health and failover CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cli.AddAll(root)
	return root
}
