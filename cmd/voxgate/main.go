package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/voxgate/voxgate/internal/gateway/app"
	"github.com/voxgate/voxgate/internal/gateway/config"
	"github.com/voxgate/voxgate/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	var ov config.Overrides

	cmd := &cobra.Command{
		Use:           "voxgate",
		Short:         "WebRTC gateway",
		Long:          "voxgate is a general purpose WebRTC gateway: plugins implement the application logic, the gateway takes care of sessions, negotiation and media relaying.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cfgFile, ov)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfgFile, "config", "C", "", "configuration file to use")
	flags.StringVarP(&ov.ConfigsFolder, "configs-folder", "F", "", "configuration files folder")
	flags.StringVarP(&ov.PluginsFolder, "plugins-folder", "P", "", "plugins folder")
	flags.StringVarP(&ov.Interface, "interface", "i", "", "interface to use (will be the public IP)")
	flags.IntVarP(&ov.Port, "port", "p", 0, "web server port")
	flags.IntVarP(&ov.SecurePort, "secure-port", "s", 0, "web server secure port (enables HTTPS)")
	flags.StringVarP(&ov.BasePath, "base-path", "b", "", "base path to bind to in the web server")
	flags.StringVar(&ov.CertPem, "cert-pem", "", "certificate and key to use for HTTPS")
	flags.StringVar(&ov.CertKey, "cert-key", "", "key to use for HTTPS, when not in the pem")
	flags.StringVarP(&ov.StunServer, "stun-server", "S", "", "STUN server(:port) to use")
	flags.StringVarP(&ov.PublicIP, "public-ip", "e", "", "public address to put in all host candidates")
	flags.StringVarP(&ov.RTPPortRange, "rtp-port-range", "r", "", "port range to use for RTP/RTCP (min-max)")
	flags.BoolVar(&ov.NoHTTP, "no-http", false, "disable the plain HTTP web server")

	return cmd
}

func run(cfgFile string, ov config.Overrides) error {
	cfg, err := config.Load(cfgFile, ov)
	if err != nil {
		logger.InitLogger(os.Stdout)
		logger.Error("[Main] invalid configuration", "error", err)
		return err
	}

	logger.InitLogger(os.Stdout)
	logger.SetLevel(cfg.LogLevel)
	logger.Info("[Main] starting voxgate",
		"local_ip", cfg.LocalIP, "public_ip", cfg.PublicAddr(), "base", cfg.BasePath)

	gateway, err := app.New(cfg)
	if err != nil {
		logger.Error("[Main] startup failed", "error", err)
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		count := 0
		for range sigCh {
			count++
			switch count {
			case 1:
				logger.Info("[Main] shutting down")
				gateway.Stop()
			case 2:
				logger.Warn("[Main] still shutting down, interrupt again to force quit")
			default:
				os.Exit(1)
			}
		}
	}()

	return gateway.Run()
}
