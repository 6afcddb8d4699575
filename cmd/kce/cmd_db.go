package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// initDBCmd creates (or verifies) the knowledge base file.
var initDBCmd = &cobra.Command{
	Use:   "init-db",
	Short: "Initialize the knowledge base",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		n, err := e.Store().Len()
		if err != nil {
			return err
		}
		logger.Info("knowledge base ready", zap.String("path", e.Store().Path()), zap.Int("triples", n))
		fmt.Printf("Knowledge base ready at %s (%d triples)\n", e.Store().Path(), n)
		return nil
	},
}

// loadDefsCmd loads a directory of definition documents.
var loadDefsCmd = &cobra.Command{
	Use:   "load-defs <dir>",
	Short: "Load catalogue definitions (nodes, rules, capabilities, workflows)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		n, err := e.LoadDefinitions(args[0])
		if err != nil {
			return &exitCodeError{code: exitDefinitionError, err: err}
		}
		logger.Info("definitions loaded", zap.String("dir", args[0]), zap.Int("triples", n))
		fmt.Printf("Loaded %d catalogue triples from %s\n", n, args[0])
		return nil
	},
}
