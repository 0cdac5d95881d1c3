// Package sites implements the sites command, which lists the site parsers
// the crawler knows about.
package sites

import (
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/mingzhi-chen/gospider/internal/parser"
)

// descriptions summarizes each built-in parser. Parsers registered without
// an entry here still list, just without a description.
var descriptions = map[string]string{
	"general": "Heuristic extraction for unknown sites (fallback)",
	"sina":    "news.sina.com.cn article pages",
	"douban":  "movie.douban.com subjects and reviews",
	"zhihu":   "zhuanlan.zhihu.com columns (?page=N pagination)",
	"jianshu": "jianshu.com collections (?page=N pagination)",
	"csdn":    "blog.csdn.net user blogs (/article/list/N pagination)",
}

// Command returns the sites command.
func Command() *cobra.Command {
	return &cobra.Command{
		Use:   "sites",
		Short: "List the available site parsers",
		Long: `List the site parsers that can be selected with the site config
key or the --site flag. Unknown names fall back to the general parser.`,
		Run: func(cmd *cobra.Command, args []string) {
			t := table.NewWriter()
			t.SetOutputMirror(os.Stdout)
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Description"})

			for _, name := range parser.Names() {
				t.AppendRow(table.Row{name, descriptions[name]})
			}

			t.Render()
		},
	}
}
