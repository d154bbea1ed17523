package main

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/opd-ai/toxtransfer/file"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var recvCount int

// recvCmd accepts every offered file into the download directory.
var recvCmd = &cobra.Command{
	Use:   "recv",
	Short: "Receive files from peers",
	Long:  `Listen for file offers and store every accepted file in download_dir. Stops after --count finished transfers, or on interrupt.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		node, cfg, err := startNode()
		if err != nil {
			return err
		}
		defer node.Kill()

		var mu sync.Mutex
		finished := 0

		node.OnFileRecv(func(peerID, transferID uint32, kind file.Kind, size uint64, filename string) {
			path := filepath.Join(cfg.DownloadDir, filepath.Base(filename))
			if err := node.AcceptFile(peerID, transferID, path); err != nil {
				logrus.WithFields(logrus.Fields{
					"function":    "recv",
					"peer_id":     peerID,
					"transfer_id": transferID,
					"error":       err.Error(),
				}).Error("Failed to accept file")
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "receiving %s (%d bytes, %s) from peer %d\n", path, size, kind, peerID)
		})

		node.OnTransferOutcome(func(peerID, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
			if direction != file.TransferDirectionIncoming {
				return
			}
			mu.Lock()
			finished++
			mu.Unlock()

			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "transfer %d from peer %d: %s (%v)\n", transferID, peerID, outcome, err)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "transfer %d from peer %d: %s\n", transferID, peerID, outcome)
		})

		run(node, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return recvCount > 0 && finished >= recvCount
		})
		return nil
	},
}

func init() {
	recvCmd.Flags().IntVar(&recvCount, "count", 0, "exit after this many finished transfers (0 runs until interrupted)")
}
