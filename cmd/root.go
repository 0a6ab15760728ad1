package cmd

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"kvmmount/internal/app"
	"kvmmount/internal/config"
	"kvmmount/internal/logging"
	"kvmmount/internal/ui"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     *config.Config
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kvmmount",
	Short: "Attach disk images to a remote KVM device",
	Long: `kvmmount attaches ISO and IMG images to a KVM device as a virtual CD-ROM or disk.

An image can be mounted from an HTTP URL, from the device's own storage, or
served live from this machine over a WebRTC data channel. Images can also be
uploaded into device storage; interrupted uploads resume where they stopped.

Usage:
  Mount from a URL:      kvmmount mount url https://example.com/boot.iso
  Upload to the device:  kvmmount upload ./boot.iso
  Serve a local image:   kvmmount mount local ./boot.iso
  Detach it again:       kvmmount unmount`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()

		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		cfg = loaded
		logging.Setup(cfg.Log.Level, cfg.Log.Pretty)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kvmmount.yaml)")
	rootCmd.PersistentFlags().String("device", "", "device base URL, e.g. http://192.168.1.20")
	rootCmd.PersistentFlags().String("mode", "", "device mode: remote or on-device")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")

	viper.BindPFlag("device.url", rootCmd.PersistentFlags().Lookup("device"))
	viper.BindPFlag("device.mode", rootCmd.PersistentFlags().Lookup("mode"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("KVMMOUNT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			log.Warn().Err(err).Msg("could not find home directory")
			return
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".kvmmount")
	}

	if err := viper.ReadInConfig(); err == nil {
		log.Debug().Str("file", viper.ConfigFileUsed()).Msg("using config file")
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// newMountApp wires the app with a terminal progress bar
func newMountApp(cmd *cobra.Command) *app.MountApp {
	return app.NewMountApp(cfg, logging.Component("kvmmount"), cmd.OutOrStdout(), ui.NewProgressUI())
}
