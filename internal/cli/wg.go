package cli

import (
	"fmt"
	"os"
	"time"

	"mitm-monitor/internal/metrics"
	"mitm-monitor/internal/store"
	"mitm-monitor/internal/wg"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

var (
	allocUser   string
	allocFormat string
	syncOnce    bool
)

func init() {
	wgCmd := &cobra.Command{
		Use:   "wg",
		Short: "Manage WireGuard peers",
	}

	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a WireGuard key pair",
		Args:  cobra.NoArgs,
		RunE:  runKeygen,
	}

	allocate := &cobra.Command{
		Use:   "allocate",
		Short: "Allocate (or rotate) a peer for a user and print its client config",
		Args:  cobra.NoArgs,
		RunE:  runAllocate,
	}
	allocate.Flags().StringVarP(&allocUser, "user", "u", "", "Profile id of the user (required)")
	allocate.Flags().StringVar(&allocFormat, "format", "conf", "Output format: conf or json")
	_ = allocate.MarkFlagRequired("user")

	sync := &cobra.Command{
		Use:   "sync",
		Short: "Apply the peer table to the WireGuard interface",
		Args:  cobra.NoArgs,
		RunE:  runSync,
	}
	sync.Flags().BoolVar(&syncOnce, "once", false, "Reconcile once and exit")

	wgCmd.AddCommand(keygen, allocate, sync)
	RootCmd.AddCommand(wgCmd)
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	kp, err := wg.GenerateKeyPair()
	if err != nil {
		return err
	}
	b, _ := json.MarshalIndent(kp, "", "  ")
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

func runAllocate(cmd *cobra.Command, _ []string) error {
	if allocFormat != "conf" && allocFormat != "json" {
		return fmt.Errorf("unknown format %q (conf or json)", allocFormat)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg, metrics.New())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	alloc, err := wg.NewAllocator(st).Ensure(cmd.Context(), allocUser)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if allocFormat == "json" {
		b, _ := json.MarshalIndent(alloc, "", "  ")
		fmt.Fprintln(out, string(b))
		return nil
	}

	if cfg.WGServerPublicKey == "" || cfg.WGEndpoint == "" {
		fmt.Fprintln(os.Stderr, "warning: wg_server_public_key or wg_endpoint is empty, config is incomplete")
	}
	fmt.Fprint(out, wg.RenderClientConfig(wg.ClientConfig{
		Address:         alloc.Address,
		PrivateKey:      alloc.Keys.PrivateKey,
		DNS:             cfg.WGDNS,
		ServerPublicKey: cfg.WGServerPublicKey,
		Endpoint:        cfg.WGEndpoint,
		AllowedIPs:      cfg.WGAllowedIPs,
	}))
	return nil
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.Open(cfg, metrics.New())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	interval := cfg.WGSyncInterval
	if interval <= 0 {
		interval = time.Minute
	}
	syncer := wg.NewSyncer(cfg.WGInterface, st, wg.ExecRunner{}, nil, interval)

	if syncOnce {
		if err := syncer.Reconcile(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d peers applied to %s\n", syncer.Applied(), cfg.WGInterface)
		return nil
	}

	ctx, stop := signalContext(cmd)
	defer stop()
	if err := syncer.Serve(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
