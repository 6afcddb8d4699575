package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"kce/internal/store"
)

// queryCmd runs ad-hoc SPARQL against the knowledge base.
var queryCmd = &cobra.Command{
	Use:   "query <sparql>",
	Short: "Run a SPARQL query (ASK, SELECT or CONSTRUCT) against the graph",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		res, err := e.Store().Query(args[0])
		if err != nil {
			return &exitCodeError{code: exitDefinitionError, err: err}
		}
		switch res.Kind {
		case store.ResultBool:
			fmt.Println(res.Bool)
		case store.ResultBindings:
			printBindings(res)
		case store.ResultGraph:
			for _, t := range res.Triples {
				fmt.Println(t)
			}
		}
		return nil
	},
}

func printBindings(res store.Result) {
	if len(res.Bindings) == 0 {
		fmt.Println("(no results)")
		return
	}
	var vars []string
	for v := range res.Bindings[0] {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	for i, row := range res.Bindings {
		fmt.Printf("%d:", i+1)
		for _, v := range vars {
			if t, ok := row[v]; ok {
				fmt.Printf(" ?%s=%s", v, t)
			}
		}
		fmt.Println()
	}
}

// showLogCmd prints a run's execution history from the blob sink.
var showLogCmd = &cobra.Command{
	Use:   "show-log <run-id>",
	Short: "Show the human-readable event log of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()

		sink := e.Sink()
		if sink == nil {
			return fmt.Errorf("no blob root configured")
		}
		refs, err := sink.ListRun(args[0])
		if err != nil {
			return err
		}
		if len(refs) == 0 {
			fmt.Fprintf(os.Stderr, "No log entries for run %s\n", args[0])
			return nil
		}
		for _, ref := range refs {
			data, err := sink.GetHumanReadable(ref)
			if err != nil {
				return err
			}
			fmt.Printf("--- %s ---\n%s\n", ref, data)
		}
		return nil
	},
}
