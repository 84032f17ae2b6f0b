package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pmkol/swcache/coremain"
	"github.com/pmkol/swcache/mlog"
)

var version = "dev/unknown"

func init() {
	coremain.AddSubCmd(&cobra.Command{
		Use:   "version",
		Short: "Print out version info and exit.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})
}

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error(err.Error())
		os.Exit(1)
	}
}
