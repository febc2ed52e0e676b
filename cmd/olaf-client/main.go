package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/client"
	olafcrypto "github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/formats"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/crypto/keys"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/internal/logger"
	"github.com/camillenguyen2511/olaf-neighbourhood-protocol/protocol"
)

var (
	serverURL string
	keyFile   string
)

var rootCmd = &cobra.Command{
	Use:   "olaf-client",
	Short: "OLAF neighbourhood chat client",
	Long: `olaf-client connects to a neighbourhood server with a long-lived RSA
identity and exchanges end-to-end-encrypted chats across the mesh.

Interactive commands:

  /list                 fetch the online-user roster
  /public <message>     broadcast a public chat
  /msg <fp> <message>   send an encrypted chat to a fingerprint
  /quit                 disconnect`,
	RunE: runClient,
}

func init() {
	rootCmd.Flags().StringVarP(&serverURL, "server", "s", "localhost:8080", "Home server URL (host:port)")
	rootCmd.Flags().StringVarP(&keyFile, "key", "k", "", "Identity private key file (generated when empty)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// directory maps full fingerprints to advertised keys and hosting servers,
// refreshed on every client_list
type directory struct {
	mu     sync.RWMutex
	byFP   map[string]string // fingerprint -> PEM
	server map[string]string // fingerprint -> hosting server URL
}

func (d *directory) update(servers []protocol.ServerEntry) {
	byFP := make(map[string]string)
	bySrv := make(map[string]string)
	for _, entry := range servers {
		for _, pemStr := range entry.Clients {
			publicKey, err := formats.DecodePublicKey(pemStr)
			if err != nil {
				continue
			}
			fp, err := keys.Fingerprint(publicKey)
			if err != nil {
				continue
			}
			byFP[fp] = pemStr
			bySrv[fp] = entry.Address
		}
	}
	d.mu.Lock()
	d.byFP = byFP
	d.server = bySrv
	d.mu.Unlock()
}

// resolve finds a PEM and hosting server by full fingerprint or unique prefix
func (d *directory) resolve(prefix string) (pem, server string, err error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matches []string
	for fp := range d.byFP {
		if strings.HasPrefix(fp, prefix) {
			matches = append(matches, fp)
		}
	}
	switch len(matches) {
	case 0:
		return "", "", fmt.Errorf("no online user matches %q (try /list)", prefix)
	case 1:
		return d.byFP[matches[0]], d.server[matches[0]], nil
	default:
		return "", "", fmt.Errorf("fingerprint prefix %q is ambiguous", prefix)
	}
}

func runClient(cmd *cobra.Command, args []string) error {
	keyPair, err := loadOrGenerateIdentity()
	if err != nil {
		return err
	}

	dir := &directory{}
	handlers := client.Handlers{
		OnPublicChat: func(sender, message string) {
			fmt.Printf("[public] %.8s: %s\n", sender, message)
		},
		OnChat: func(payload *protocol.ChatPayload) {
			from := "unknown"
			if len(payload.Participants) > 0 {
				from = payload.Participants[0]
			}
			fmt.Printf("[chat] %.8s: %s\n", from, payload.Message)
		},
		OnClientList: func(servers []protocol.ServerEntry) {
			dir.update(servers)
			for _, entry := range servers {
				fmt.Printf("server %s: %d online\n", entry.Address, len(entry.Clients))
			}
			dir.mu.RLock()
			for fp := range dir.byFP {
				fmt.Printf("  %s (on %s)\n", fp, dir.server[fp])
			}
			dir.mu.RUnlock()
		},
	}

	c, err := client.New(serverURL, keyPair, handlers, logger.NewDefaultLogger())
	if err != nil {
		return err
	}
	if err := c.Connect(context.Background()); err != nil {
		return err
	}
	defer c.Close()

	fmt.Printf("connected to %s as %s\n", serverURL, c.Fingerprint())

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := dispatch(c, dir, line); err != nil {
			if err == errQuit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return scanner.Err()
}

var errQuit = fmt.Errorf("quit")

func dispatch(c *client.Client, dir *directory, line string) error {
	switch {
	case line == "/quit":
		return errQuit
	case line == "/list":
		return c.RequestClientList()
	case strings.HasPrefix(line, "/public "):
		return c.SendPublicChat(strings.TrimPrefix(line, "/public "))
	case strings.HasPrefix(line, "/msg "):
		rest := strings.TrimPrefix(line, "/msg ")
		parts := strings.SplitN(rest, " ", 2)
		if len(parts) < 2 {
			return fmt.Errorf("usage: /msg <fingerprint> <message>")
		}
		pemStr, server, err := dir.resolve(parts[0])
		if err != nil {
			return err
		}
		return c.SendChat(parts[1], []string{pemStr}, []string{server})
	default:
		return fmt.Errorf("unknown command (try /list, /public, /msg, /quit)")
	}
}

func loadOrGenerateIdentity() (olafcrypto.KeyPair, error) {
	if keyFile == "" {
		return nil, nil // client.New generates a fresh identity
	}
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity key: %w", err)
	}
	privateKey, err := formats.DecodePrivateKey(data)
	if err != nil {
		return nil, err
	}
	return keys.FromPrivateKey(privateKey)
}
