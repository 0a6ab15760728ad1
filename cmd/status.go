package cmd

import (
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show what the device has mounted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).Status(ctx)
	},
}

var unmountCmd = &cobra.Command{
	Use:   "unmount",
	Short: "Detach the mounted image",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).Unmount(ctx)
	},
}

func init() {
	rootCmd.AddCommand(statusCmd, unmountCmd)
}
