package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Operative-001/dtnode/internal/config"
	"github.com/Operative-001/dtnode/internal/crypto"
	"github.com/Operative-001/dtnode/internal/protocol"
	"github.com/Operative-001/dtnode/internal/radio"
	"github.com/Operative-001/dtnode/internal/status"
)

var rootCmd = &cobra.Command{
	Use:   "dtnode",
	Short: "Secure store-and-forward messaging node.",
	Long: `dtnode delivers short signed (optionally encrypted) messages between named
endpoints over links that come and go. Messages that cannot be delivered now
are kept in a durable cache and retried while the node listens.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ─── send-alert ──────────────────────────────────────────────────────────────

var sendAlertCmd = &cobra.Command{
	Use:   "send-alert <dest> <text> <urgency>",
	Short: "Sign and send an alert, caching it if the destination is unreachable",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		urgency, err := strconv.ParseUint(args[2], 10, 8)
		if err != nil {
			return fmt.Errorf("urgency must be 0-255: %w", err)
		}
		encrypt, _ := cmd.Flags().GetBool("encrypt")

		handled, err := viaListeningNode(cmd, func(c *status.Client) error {
			return c.SendAlert(cmd.Context(), status.SendRequest{
				Dest: args[0], Text: args[1], Urgency: uint8(urgency), Encrypt: encrypt,
			})
		})
		if handled {
			if err == nil {
				fmt.Printf("Alert for %s handed to the listening node.\n", args[0])
			}
			return err
		}
		if err != nil {
			return err
		}

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		bundle, err := e.openBundle(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer bundle.Close()

		n, err := e.newNode(bundle, radio.Unavailable{})
		if err != nil {
			return err
		}
		defer n.Close()

		before := e.cache.Len()
		alert := protocol.Alert{Text: args[1], Urgency: uint8(urgency)}
		if err := n.Send(cmd.Context(), args[0], alert, encrypt); err != nil {
			return err
		}
		if e.cache.Len() > before {
			fmt.Printf("Destination %s unreachable, message cached.\n", args[0])
		} else {
			fmt.Printf("Alert sent to %s.\n", args[0])
		}
		return nil
	},
}

// ─── listen ──────────────────────────────────────────────────────────────────

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Receive messages and retry cached ones until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		bundle, err := e.openBundle(ctx, true)
		if err != nil {
			return err
		}
		defer bundle.Close()

		var link radio.Unavailable
		n, err := e.newNode(bundle, link)
		if err != nil {
			return err
		}
		defer n.Close()

		// Radio discovery feeds the directory through a single watcher.
		events := make(chan string)
		go radio.NewDiscoverer(link, e.cfg.EID, e.cfg.DiscoveryInterval, e.log).Run(ctx, events)
		go e.dir.Watch(ctx, events, func(eid string, err error) {
			if err != nil {
				e.log.Warn("recording discovered peer", zap.String("peer", eid), zap.Error(err))
				return
			}
			fmt.Printf("[PEER] Added radio-discovered peer %s\n", eid)
		})

		if addr := e.cfg.StatusAddr; addr != "" {
			srv := status.New(e.dir, e.cache, n.Metrics(), n, e.log)
			go func() {
				if err := srv.Serve(ctx, addr); err != nil {
					e.log.Error("status api", zap.Error(err))
				}
			}()
		}

		go func() {
			for {
				select {
				case d := <-n.Deliveries():
					printDelivery(d.From, d.Kind, d.Encrypted)
				case <-ctx.Done():
					return
				}
			}
		}()

		fmt.Printf("  EID       : %s\n", e.cfg.EID)
		fmt.Printf("  Key       : %s\n", e.id.Fingerprint())
		fmt.Printf("  Transport : %s\n", e.cfg.Transport)
		if e.cfg.Transport == config.TransportTCP {
			fmt.Printf("  Listening : %s (advertised as %s)\n", e.cfg.ListenAddr, e.cfg.Advertise())
		}
		if e.cfg.StatusAddr != "" {
			fmt.Printf("  Status    : http://%s\n", e.cfg.StatusAddr)
		}
		fmt.Printf("  Cached    : %d message(s)\n\n", e.cache.Len())

		if err := n.Run(ctx); err != nil {
			return err
		}
		fmt.Println("\nShutting down.")
		return nil
	},
}

func printDelivery(from string, kind protocol.Kind, encrypted bool) {
	lock := ""
	if encrypted {
		lock = " (encrypted)"
	}
	switch k := kind.(type) {
	case protocol.Alert:
		fmt.Printf("[RECV] Alert from %s%s: %q urgency=%d\n", from, lock, k.Text, k.Urgency)
	default:
		fmt.Printf("[RECV] %s from %s%s\n", kind.Tag(), from, lock)
	}
}

// ─── add-peer ────────────────────────────────────────────────────────────────

var addPeerCmd = &cobra.Command{
	Use:   "add-peer <eid> <addr>",
	Short: "Record (or replace) the address of a peer",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var der []byte
		if path, _ := cmd.Flags().GetString("pubkey"); path != "" {
			var err error
			if der, err = os.ReadFile(path); err != nil {
				return err
			}
			if _, err := crypto.ParsePublicKey(der); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}

		handled, err := viaListeningNode(cmd, func(c *status.Client) error {
			_, err := c.AddPeer(cmd.Context(), args[0], status.PeerRequest{Addr: args[1], PubKey: der})
			return err
		})
		if handled {
			if err == nil {
				fmt.Println("Peer added through the listening node.")
			}
			return err
		}
		if err != nil {
			return err
		}

		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		if err := e.dir.Add(args[0], args[1]); err != nil {
			return err
		}
		if der != nil {
			if err := e.dir.SetPublicKey(args[0], der); err != nil {
				return err
			}
		}
		fmt.Println("Peer added.")
		return nil
	},
}

// ─── list-peers ──────────────────────────────────────────────────────────────

var listPeersCmd = &cobra.Command{
	Use:   "list-peers",
	Short: "Show known peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		for _, p := range e.dir.All() {
			addr := p.Addr
			if addr == "" {
				addr = "(no address)"
			}
			if len(p.PubKey) > 0 {
				fmt.Printf("%s -> %s  [%s]\n", p.EID, addr, crypto.Fingerprint(p.PubKey))
			} else {
				fmt.Printf("%s -> %s\n", p.EID, addr)
			}
		}
		return nil
	},
}

// ─── list-cache ──────────────────────────────────────────────────────────────

var listCacheCmd = &cobra.Command{
	Use:   "list-cache",
	Short: "Show messages waiting for a path",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		msgs := e.cache.Peek()
		if len(msgs) == 0 {
			fmt.Println("Cache is empty.")
			return nil
		}
		for i, m := range msgs {
			fmt.Printf("[%d] Dest: %s, Data: %d bytes\n", i, m.Dest, len(m.Data))
		}
		return nil
	},
}

// ─── init ────────────────────────────────────────────────────────────────────

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the effective configuration to a file and create the identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path := configPath(cmd)
		if force, _ := cmd.Flags().GetBool("force"); !force {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
		if err := cfg.Save(path); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		id, created, err := crypto.LoadOrGenerate(cfg.KeyPath(), passphrase(cmd))
		if err != nil {
			return fmt.Errorf("identity %s: %w", cfg.KeyPath(), err)
		}

		fmt.Printf("Config      : %s\n", path)
		if created {
			fmt.Printf("Key file    : %s (new)\n", cfg.KeyPath())
		} else {
			fmt.Printf("Key file    : %s\n", cfg.KeyPath())
		}
		fmt.Printf("EID         : %s\n", cfg.EID)
		fmt.Printf("Fingerprint : %s\n", id.Fingerprint())
		return nil
	},
}

// ─── identity ────────────────────────────────────────────────────────────────

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Show this node's identity, optionally exporting its public key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := openEnv(cmd)
		if err != nil {
			return err
		}
		defer e.Close()

		fmt.Printf("EID         : %s\n", e.cfg.EID)
		fmt.Printf("Fingerprint : %s\n", e.id.Fingerprint())
		fmt.Printf("Key file    : %s\n", e.cfg.KeyPath())
		if path, _ := cmd.Flags().GetString("export"); path != "" {
			if err := os.WriteFile(path, e.id.PublicDER(), 0644); err != nil {
				return err
			}
			fmt.Printf("Public key  : %s\n", path)
			fmt.Printf("\nPeers can trust it with: dtnode add-peer %s <addr> --pubkey %s\n", e.cfg.EID, path)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (default <data>/config.yaml)")
	pf.String("eid", "", "Local endpoint ID")
	pf.String("key", "", "Identity key file (default <data>/id.key)")
	pf.String("data", "dtnode-data", "Data directory for keys, peers and cache")
	pf.String("addr", "127.0.0.1:3000", "TCP listen address")
	pf.String("transport", "tcp", "Bundle transport: tcp, daemon or memory")
	pf.String("passphrase", "", "Passphrase sealing the identity key (or $DTNODE_PASSPHRASE)")
	pf.String("status", "127.0.0.1:8089", "Status and control API address of the listening node (empty disables)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")

	sendAlertCmd.Flags().Bool("encrypt", false, "Encrypt to the destination's recorded public key")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	addPeerCmd.Flags().String("pubkey", "", "File holding the peer's DER public key")
	identityCmd.Flags().String("export", "", "Write the DER public key to this file")

	rootCmd.AddCommand(initCmd, sendAlertCmd, listenCmd, addPeerCmd, listPeersCmd, listCacheCmd, identityCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
