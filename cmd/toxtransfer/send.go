package main

import (
	"fmt"
	"sync"

	"github.com/opd-ai/toxtransfer/file"
	"github.com/spf13/cobra"
)

var sendAvatar bool

// sendCmd offers one or more files to a peer and waits for every outcome.
var sendCmd = &cobra.Command{
	Use:   "send [peer_address] [file_path...]",
	Short: "Send files to a peer",
	Long:  `Offer files to the peer listening at peer_address (host:port) and wait until each transfer finishes.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, _, err := startNode()
		if err != nil {
			return err
		}
		defer node.Kill()

		peerID, err := node.AddPeerAddress(args[0])
		if err != nil {
			return err
		}

		var mu sync.Mutex
		pending := make(map[uint32]string)
		failed := 0

		node.OnTransferOutcome(func(peer, transferID uint32, direction file.TransferDirection, outcome file.Outcome, err error) {
			mu.Lock()
			defer mu.Unlock()

			name, ok := pending[transferID]
			if !ok || peer != peerID || direction != file.TransferDirectionOutgoing {
				return
			}
			delete(pending, transferID)

			if outcome != file.OutcomeCompleted {
				failed++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%v)\n", name, outcome, err)
				return
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, outcome)
		})

		for _, path := range args[1:] {
			send := node.SendFile
			if sendAvatar {
				send = node.SendAvatar
			}

			mu.Lock()
			transferID, err := send(peerID, path)
			if err == nil {
				pending[transferID] = path
			}
			mu.Unlock()

			if err != nil {
				return fmt.Errorf("send %s: %w", path, err)
			}
		}

		run(node, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(pending) == 0
		})

		mu.Lock()
		defer mu.Unlock()
		if n := failed + len(pending); n > 0 {
			return fmt.Errorf("%d transfer(s) did not complete", n)
		}
		return nil
	},
}

func init() {
	sendCmd.Flags().BoolVar(&sendAvatar, "avatar", false, "send the file as an avatar")
}
