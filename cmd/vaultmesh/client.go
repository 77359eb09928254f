package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/vaultmesh/vaultmesh/internal/config"
	"github.com/vaultmesh/vaultmesh/pkg/bytesize"
)

var serverURL string

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show per-shard capacity usage of a running vault",
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			client := &http.Client{Timeout: 10 * time.Second}
			resp, err := client.Get(resolveServerURL() + "/status")
			if err != nil {
				return fmt.Errorf("fetch status: %w", err)
			}
			defer func() { _ = resp.Body.Close() }()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("status request failed: %s", resp.Status)
			}

			var status struct {
				Shards []struct {
					Shard   int     `json:"shard"`
					UsedMB  float64 `json:"used_mb"`
					LimitMB float64 `json:"limit_mb"`
				} `json:"shards"`
				Objects int `json:"objects"`
				Links   int `json:"links"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
				return fmt.Errorf("decode status: %w", err)
			}

			for _, sh := range status.Shards {
				fmt.Printf("shard %d: %s / %s\n", sh.Shard,
					bytesize.FormatMB(sh.UsedMB), bytesize.FormatMB(sh.LimitMB))
			}
			fmt.Printf("objects: %d, active links: %d\n", status.Objects, status.Links)
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "vault server URL")
	return cmd
}

func newLinkCmd() *cobra.Command {
	var qrFile string

	cmd := &cobra.Command{
		Use:   "link <code>",
		Short: "Print the download URL for a code, optionally as a QR image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			url := fmt.Sprintf("%s/download/%s", resolveServerURL(), args[0])
			fmt.Println(url)

			if qrFile != "" {
				if err := qrcode.WriteFile(url, qrcode.Medium, 256, qrFile); err != nil {
					return fmt.Errorf("write QR image: %w", err)
				}
				fmt.Printf("QR image written to %s\n", qrFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&serverURL, "server", "s", "", "vault server URL")
	cmd.Flags().StringVar(&qrFile, "qr", "", "write a QR PNG of the link to this file")
	return cmd
}

// resolveServerURL picks the server URL from the flag, the config file, or
// the default public URL, in that order.
func resolveServerURL() string {
	if serverURL != "" {
		return serverURL
	}
	if cfgFile != "" {
		if cfg, err := config.Load(cfgFile); err == nil {
			return cfg.PublicURL
		}
	}
	return config.Default().PublicURL
}
