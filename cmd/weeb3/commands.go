package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/WebFirstLanguage/weeb3/pkg/constants"
	"github.com/WebFirstLanguage/weeb3/pkg/control"
	"github.com/WebFirstLanguage/weeb3/pkg/identity"
)

var (
	requestTimeout time.Duration
	outputPath     string
	redundancy     uint
	forceKeygen    bool
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a new identity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.Node.IdentityPath
		if _, err := os.Stat(path); err == nil && !forceKeygen {
			return fmt.Errorf("identity already exists at %s (use --force to overwrite)", path)
		}

		id, err := identity.GenerateIdentity()
		if err != nil {
			return fmt.Errorf("failed to generate identity: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return fmt.Errorf("failed to create identity directory: %w", err)
		}
		if err := id.SaveToFile(path); err != nil {
			return fmt.Errorf("failed to save identity: %w", err)
		}

		fmt.Printf("New identity saved to %s\n", path)
		fmt.Printf("Owner: %s\n", id.Owner())
		fmt.Printf("Overlay: %s\n", id.Overlay(cfg.Node.NetworkID))
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running node",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("State: %s\n", info.State)
			fmt.Printf("Owner: %s\n", info.Owner)
			fmt.Printf("Overlay: %s\n", info.Overlay)
			fmt.Printf("Network: %d\n", info.NetworkID)
			fmt.Printf("Peers: %d\n", info.Peers)
			if info.Listen != "" {
				fmt.Printf("Serving: %s\n", info.Listen)
			}
			fmt.Printf("Uptime: %s\n", info.Uptime.Round(time.Second))
			return nil
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <address>",
	Short: "Fetch and reassemble the content at an address",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			res, err := c.Data(ctx, args[0])
			if err != nil {
				return err
			}
			return writePayload(res.Data)
		})
	},
}

var feedCmd = &cobra.Command{
	Use:   "feed <owner> <topic>",
	Short: "Fetch the latest update of a feed",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *control.Client) error {
			res, err := c.Feed(ctx, args[0], args[1], redundancy)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "update %d of topic %s\n", res.Index, res.Topic)
			return writePayload(res.Data)
		})
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <address> [path]",
	Short: "Resolve a path inside a manifest",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		params := map[string]interface{}{"address": args[0]}
		if len(args) == 2 {
			params["path"] = args[1]
		}
		return withClient(func(ctx context.Context, c *control.Client) error {
			var res control.ResolveResult
			if err := c.Call(ctx, "Resolve", params, &res); err != nil {
				return err
			}
			if len(res.Entries) == 1 && outputPath != "" {
				return writeOutput(res.Entries[0].Data)
			}
			for _, e := range res.Entries {
				fmt.Printf("%s\t%s\t%d\n", e.Path, e.MIME, len(e.Data))
			}
			return nil
		})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, fetchCmd, feedCmd, resolveCmd} {
		cmd.Flags().DurationVarP(&requestTimeout, "timeout", "t", time.Minute, "Request timeout")
	}
	for _, cmd := range []*cobra.Command{fetchCmd, feedCmd, resolveCmd} {
		cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write content to a file instead of stdout")
	}
	feedCmd.Flags().UintVarP(&redundancy, "redundancy", "r", constants.DefaultRedundancy, "Feed lookup redundancy")
	keygenCmd.Flags().BoolVarP(&forceKeygen, "force", "f", false, "Overwrite an existing identity")
}

// withClient connects to the control API of a running node.
func withClient(fn func(context.Context, *control.Client) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	c, err := control.Dial(ctx, cfg.Control.Addr)
	if err != nil {
		return fmt.Errorf("node is not running: %w", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

// writePayload writes joined data without its span.
func writePayload(data []byte) error {
	if len(data) < constants.SpanSize {
		return fmt.Errorf("short data: %d bytes", len(data))
	}
	return writeOutput(data[constants.SpanSize:])
}

func writeOutput(data []byte) error {
	if outputPath == "" {
		_, err := os.Stdout.Write(data)
		return err
	}
	return os.WriteFile(outputPath, data, 0644)
}
