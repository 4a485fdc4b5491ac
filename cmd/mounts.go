package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

type mountView struct {
	Prefix         string   `yaml:"prefix"`
	Upstream       string   `yaml:"upstream"`
	Script         string   `yaml:"script"`
	DocumentRoot   string   `yaml:"document_root,omitempty"`
	StaticFallback bool     `yaml:"static_fallback"`
	IndexFiles     []string `yaml:"index_files,omitempty"`
}

func newMountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mounts",
		Short: "Print the effective mount table in match order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			table, err := buildTable(cfg)
			if err != nil {
				return err
			}

			views := make([]mountView, 0, table.Len())
			for _, m := range table.Mounts() {
				views = append(views, mountView{
					Prefix:         m.Prefix(),
					Upstream:       m.Upstream().Host,
					Script:         m.Script(),
					DocumentRoot:   m.DocumentRoot(),
					StaticFallback: m.StaticFallback(),
					IndexFiles:     m.IndexFiles(),
				})
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()

			return enc.Encode(map[string][]mountView{"mounts": views})
		},
	}
}
