package main

import (
	"os"

	"github.com/pranav-miglani/dental-record/internal/registry"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// definitionsCmd represents the definitions command
var definitionsCmd = &cobra.Command{
	Use:   "definitions [category]",
	Short: "Print procedure templates",
	Long:  `Print the built-in procedure templates as YAML, or only the template of one category.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.Default()

		var out interface{}
		if len(args) == 1 {
			def, err := reg.DefinitionFor(registry.ParseCategory(args[0]))
			if err != nil {
				return err
			}
			out = def
		} else {
			defs := make([]registry.Definition, 0)
			for _, c := range reg.Categories() {
				def, err := reg.DefinitionFor(c)
				if err != nil {
					return err
				}
				defs = append(defs, def)
			}
			out = defs
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(out)
	},
}
