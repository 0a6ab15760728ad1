package cmd

import (
	"kvmmount/internal/app"
	"kvmmount/internal/logging"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// emulateCmd runs the device side locally
var emulateCmd = &cobra.Command{
	Use:   "emulate",
	Short: "Run an emulated device for testing",
	Long: `Run an in-process emulation of the device's virtual media service. It
answers WebRTC session offers, accepts uploads into --storage and serves the
control plane over both data channels and WebSocket.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := createContext()
		defer cancel()
		return app.RunEmulator(ctx, cfg, logging.Component("emulator"))
	},
}

func init() {
	rootCmd.AddCommand(emulateCmd)

	emulateCmd.Flags().String("listen", "", "address to listen on (default :8080)")
	emulateCmd.Flags().String("storage", "", "directory for stored images (default ./images)")

	viper.BindPFlag("emulator.listen", emulateCmd.Flags().Lookup("listen"))
	viper.BindPFlag("emulator.storage_dir", emulateCmd.Flags().Lookup("storage"))
}
