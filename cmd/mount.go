package cmd

import (
	"kvmmount/pkg/types"

	"github.com/spf13/cobra"
)

type MountFlags struct {
	Disk bool
}

var mountFlags MountFlags

// mountCmd groups the ways an image can be mounted
var mountCmd = &cobra.Command{
	Use:   "mount",
	Short: "Mount an image on the device",
	Long: `Mount an image as virtual media. Images are exposed as a CD-ROM unless
--disk is given. Only one image can be mounted at a time.`,
}

var mountURLCmd = &cobra.Command{
	Use:   "url <url>",
	Short: "Mount an image the device downloads over HTTP",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).MountURL(ctx, args[0], mountFlags.mode())
	},
}

var mountStorageCmd = &cobra.Command{
	Use:   "storage <filename>",
	Short: "Mount an image from device storage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).MountStorage(ctx, args[0], mountFlags.mode())
	},
}

var mountLocalCmd = &cobra.Command{
	Use:   "local <path>",
	Short: "Serve an image from this machine until interrupted",
	Long: `Serve a local image to the device block by block over a WebRTC data
channel. The image never leaves this machine; the device reads ranges on
demand. Press Ctrl+C to unmount. Requires features.browser_mount.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).MountLocal(ctx, args[0], mountFlags.mode())
	},
}

func init() {
	rootCmd.AddCommand(mountCmd)
	mountCmd.AddCommand(mountURLCmd, mountStorageCmd, mountLocalCmd)

	mountCmd.PersistentFlags().BoolVar(&mountFlags.Disk, "disk", false, "expose the image as a USB disk")
	mountCmd.PersistentFlags().Bool("cdrom", true, "expose the image as a CD-ROM (default)")
	mountCmd.MarkFlagsMutuallyExclusive("disk", "cdrom")
}

func (f MountFlags) mode() types.MediaMode {
	if f.Disk {
		return types.ModeDisk
	}
	return types.ModeCDROM
}
