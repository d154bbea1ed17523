package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opd-ai/toxtransfer"
	"github.com/opd-ai/toxtransfer/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	v       = viper.New()
)

// rootCmd is the base command for the toxtransfer CLI.
var rootCmd = &cobra.Command{
	Use:           "toxtransfer",
	Short:         "Send and receive files over UDP",
	Long:          "toxtransfer moves files between peers, tracking each transfer until it completes, times out or fails.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	flags.Uint16("port", 33445, "first UDP port to try")
	flags.String("journal", "", "directory of the transfer outcome journal")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	v.BindPFlag("start_port", flags.Lookup("port"))
	v.BindPFlag("journal_path", flags.Lookup("journal"))
	v.BindPFlag("log_level", flags.Lookup("log-level"))

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(recvCmd)
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// startNode loads the configuration and creates a node from it.
func startNode() (*toxtransfer.Node, *config.Config, error) {
	// An explicit --port binds exactly that port.
	if flags := rootCmd.PersistentFlags(); flags.Changed("port") {
		port, err := flags.GetUint16("port")
		if err != nil {
			return nil, nil, err
		}
		v.Set("end_port", port)
	}

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return nil, nil, err
	}

	node, err := toxtransfer.New(cfg.Options())
	if err != nil {
		return nil, nil, fmt.Errorf("create node: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":   "startNode",
		"local_addr": node.LocalAddr().String(),
	}).Info("Listening")

	return node, cfg, nil
}

// run iterates node until done returns true or an interrupt arrives.
func run(node *toxtransfer.Node, done func() bool) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	for node.IsRunning() && !done() {
		node.Iterate()
		select {
		case <-interrupt:
			logrus.WithFields(logrus.Fields{
				"function": "run",
			}).Info("Interrupted, shutting down")
			return
		default:
		}
		time.Sleep(node.IterationInterval())
	}
}
