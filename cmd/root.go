package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "marketbrief"}

	root.AddCommand(serveCMD(), briefCMD(), migrateCMD())
	_ = root.Execute()
}
