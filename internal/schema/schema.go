// Package schema describes the command tree and the operation request
// fields in machine-readable form.
package schema

import (
	"fmt"
	"strings"

	"github.com/ggonzalez94/defi-keeper/internal/execution"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

type Document struct {
	Command    CommandSchema     `json:"command"`
	Operations []OperationSchema `json:"operations,omitempty"`
}

type CommandSchema struct {
	Path        string          `json:"path"`
	Use         string          `json:"use"`
	Short       string          `json:"short"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

type FlagSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Usage    string `json:"usage"`
	Default  string `json:"default,omitempty"`
	Required bool   `json:"required,omitempty"`
}

type OperationSchema struct {
	Kind   execution.Kind        `json:"kind"`
	Fields []execution.FieldSpec `json:"fields"`
}

// Build resolves commandPath under root. Operation field schemas are
// attached at the root and under any "op" command.
func Build(root *cobra.Command, commandPath string) (Document, error) {
	cmd := root
	for _, part := range strings.Fields(commandPath) {
		next := findChild(cmd, part)
		if next == nil {
			return Document{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = next
	}
	doc := Document{Command: serialize(cmd)}
	if cmd == root || cmd.Name() == "op" || (cmd.Parent() != nil && cmd.Parent().Name() == "op") {
		doc.Operations = Operations()
	}
	return doc, nil
}

func Operations() []OperationSchema {
	kinds := execution.Kinds()
	out := make([]OperationSchema, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, OperationSchema{Kind: kind, Fields: execution.Fields(kind)})
	}
	return out
}

func findChild(cmd *cobra.Command, name string) *cobra.Command {
	for _, c := range cmd.Commands() {
		if c.Name() == name || c.HasAlias(name) {
			return c
		}
	}
	return nil
}

func serialize(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:  strings.TrimSpace(cmd.CommandPath()),
		Use:   cmd.Use,
		Short: cmd.Short,
		Flags: collectFlags(cmd),
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, serialize(sub))
	}
	return s
}

func collectFlags(cmd *cobra.Command) []FlagSchema {
	var items []FlagSchema
	cmd.NonInheritedFlags().VisitAll(func(f *pflag.Flag) {
		_, required := f.Annotations[cobra.BashCompOneRequiredFlag]
		items = append(items, FlagSchema{
			Name:     f.Name,
			Type:     f.Value.Type(),
			Usage:    f.Usage,
			Default:  f.DefValue,
			Required: required,
		})
	})
	return items
}
