package cmd

import (
	"github.com/spf13/cobra"
)

// filesCmd manages images kept in device storage
var filesCmd = &cobra.Command{
	Use:   "files",
	Short: "Manage images in device storage",
}

var filesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List images in device storage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).ListFiles(ctx)
	},
}

var filesDeleteCmd = &cobra.Command{
	Use:   "delete <filename>",
	Short: "Delete an image from device storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).DeleteFile(ctx, args[0])
	},
}

var spaceCmd = &cobra.Command{
	Use:   "space",
	Short: "Show device storage usage",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).Space(ctx)
	},
}

func init() {
	rootCmd.AddCommand(filesCmd, spaceCmd)
	filesCmd.AddCommand(filesListCmd, filesDeleteCmd)
}
