package cmd

import (
	"github.com/spf13/cobra"
)

// uploadCmd copies an image into device storage
var uploadCmd = &cobra.Command{
	Use:   "upload <path>",
	Short: "Upload an image into device storage",
	Long: `Upload a local image into the device's storage so it can be mounted later
with "kvmmount mount storage". If a previous upload of the same filename was
interrupted, the upload continues from where it stopped.

In remote mode the image travels over a WebRTC data channel; in on-device
mode it is posted to the device's HTTP upload endpoint.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return newMountApp(cmd).Upload(ctx, args[0])
	},
}

func init() {
	rootCmd.AddCommand(uploadCmd)
}
