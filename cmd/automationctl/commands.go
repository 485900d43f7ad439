package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/automations/internal/logger"
	"github.com/liamcoop/automations/rules"
	"github.com/liamcoop/automations/rules/facts"
)

type rootOptions struct {
	logLevel string
	log      *slog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "automationctl",
		Short: "Validate and dry-run inventory automation rules",
		Long: `automationctl works on rule files (YAML or JSON) without a server.

Examples:
  automationctl validate -f rules.yaml --inventory-schema
  automationctl run -f rules.yaml --event SALE_CREATED --context sale.json
  automationctl defaults > rules.yaml`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			err := logger.Setup(cmd.Context(), logger.Options{
				Level:  opts.logLevel,
				Output: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			opts.log = logger.Logger
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (trace, debug, info, warn, error)")

	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newDefaultsCmd())
	cmd.AddCommand(newSchemaCmd())
	return cmd
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var (
		file            string
		inventorySchema bool
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check every rule in a file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleSet, err := loadRules(file)
			if err != nil {
				return err
			}

			var schema rules.ContextSchema
			if inventorySchema {
				schema = facts.InventorySchema()
			}
			engine, err := newEngine(root.log, schema, 0)
			if err != nil {
				return err
			}
			defer engine.Close()

			out := cmd.OutOrStdout()
			invalid := 0
			seen := make(map[string]bool, len(ruleSet))
			for _, rule := range ruleSet {
				err := engine.ValidateRule(rule)
				if err == nil && rule.ID != "" && seen[rule.ID] {
					err = fmt.Errorf("rule with ID %s: %w", rule.ID, rules.ErrRuleExists)
				}
				seen[rule.ID] = true
				if err != nil {
					invalid++
					fmt.Fprintf(out, "FAIL %s: %v\n", rule.ID, err)
					continue
				}
				fmt.Fprintf(out, "ok   %s\n", rule.ID)
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d rules are invalid", invalid, len(ruleSet))
			}
			fmt.Fprintf(out, "%d rules valid\n", len(ruleSet))
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule file (YAML or JSON)")
	cmd.Flags().BoolVar(&inventorySchema, "inventory-schema", false, "validate field paths against the inventory event schema")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		file       string
		event      string
		contextArg string
		defaults   bool
		typed      bool
		delayUnit  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the rules of a file against one event",
		Long: `Run loads the rules into an in-memory engine, raises one event and prints
the resulting executions as JSON. --context is a JSON/YAML file or inline JSON.
With --typed the context is read as the typed payload of the event: unknown
fields and wrong types are rejected and missing fields take zero values.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && !defaults {
				return errors.New("either --file or --defaults is required")
			}

			engine, err := newEngine(root.log, nil, delayUnit)
			if err != nil {
				return err
			}
			defer engine.Close()

			if defaults {
				if _, err := engine.SeedDefaults(); err != nil {
					return fmt.Errorf("seed defaults: %w", err)
				}
			}
			if file != "" {
				ruleSet, err := loadRules(file)
				if err != nil {
					return err
				}
				for _, rule := range ruleSet {
					if err := engine.AddRule(rule); err != nil {
						return err
					}
				}
			}

			evalCtx, err := loadContext(contextArg)
			if err != nil {
				return err
			}
			if typed {
				payload, err := facts.Decode(event, evalCtx)
				if err != nil {
					return err
				}
				if evalCtx, err = facts.Context(payload); err != nil {
					return err
				}
			}

			executions, err := engine.ExecuteRules(cmd.Context(), rules.RuleTrigger{Event: event}, evalCtx)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(executions)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "rule file (YAML or JSON)")
	cmd.Flags().StringVarP(&event, "event", "e", "", "event name, e.g. SALE_CREATED")
	cmd.Flags().StringVarP(&contextArg, "context", "c", "", "evaluation context: file path or inline JSON")
	cmd.Flags().BoolVar(&defaults, "defaults", false, "load the default rule set first")
	cmd.Flags().BoolVar(&typed, "typed", false, "read the context as the typed payload of the event")
	cmd.Flags().DurationVar(&delayUnit, "delay-unit", 0, "duration of one action delay unit; 0 runs delayed actions at once")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func newDefaultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "defaults",
		Short: "Print the default rule set as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := toYAML(ruleFile{Rules: rules.DefaultRules()})
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

func newSchemaCmd() *cobra.Command {
	var event string

	cmd := &cobra.Command{
		Use:   "schema",
		Short: "List the fields of the inventory events",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema := facts.InventorySchema()
			if event != "" {
				payload, ok := facts.ByName(event)
				if !ok {
					return fmt.Errorf("unknown event %q", event)
				}
				schema = facts.Schema(payload)
			}

			paths := make([]string, 0, len(schema))
			for path := range schema {
				paths = append(paths, path)
			}
			sort.Strings(paths)

			out := cmd.OutOrStdout()
			for _, path := range paths {
				fmt.Fprintf(out, "%-16s %s\n", path, schema[path])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&event, "event", "e", "", "list only the fields of this event")
	return cmd
}

// newEngine builds an in-memory engine. A zero delay unit runs delayed
// actions immediately.
func newEngine(log *slog.Logger, schema rules.ContextSchema, delayUnit time.Duration) (*rules.Engine, error) {
	if log == nil {
		log = logger.Logger
	}
	return rules.NewEngine(rules.NewInMemoryRuleStore(),
		rules.WithSchema(schema),
		rules.WithLogger(log),
		rules.WithDelayUnit(delayUnit),
	)
}
