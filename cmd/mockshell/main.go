// Command mockshell simulates a native shell: it opens a Shell stream against
// the host, answers evaluate frames and prints the URLs the host launches.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/miniapp-io/miniapp-host/internal/transport"
	"github.com/miniapp-io/miniapp-host/pkg/api/shellpb"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

type shellFlags struct {
	host      string
	url       string
	webviewID string
	appID     string
	timeout   time.Duration
	tls       transport.ClientConfig
}

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	flags := &shellFlags{}
	root := &cobra.Command{
		Use:           "mockshell",
		Short:         "Simulated WebView shell for the mini-app host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.host, "host", "127.0.0.1:50061", "gRPC address of the host")
	root.PersistentFlags().StringVar(&flags.url, "url", "https://app.example/mini", "page URL reported in hello and page_started")
	root.PersistentFlags().StringVar(&flags.webviewID, "webview", "mock-webview", "WebView identifier")
	root.PersistentFlags().StringVar(&flags.appID, "app-id", "", "mini-app identifier (defaults to the webview id)")
	root.PersistentFlags().DurationVar(&flags.timeout, "dial-timeout", 5*time.Second, "dial timeout")
	root.PersistentFlags().StringVar(&flags.tls.CAPath, "tls-ca", "", "CA bundle used to verify the host (enables TLS)")
	root.PersistentFlags().StringVar(&flags.tls.CertPath, "tls-cert", "", "client certificate for mutual TLS")
	root.PersistentFlags().StringVar(&flags.tls.KeyPath, "tls-key", "", "client key for mutual TLS")
	root.PersistentFlags().StringVar(&flags.tls.ServerName, "tls-server-name", "", "override the verified server name")
	root.PersistentFlags().BoolVar(&flags.tls.InsecureSkipVerify, "tls-insecure", false, "skip host certificate verification")

	root.AddCommand(runCmd(flags), intentCmd(flags))
	return root
}

// dial connects to the host and opens the stream with its hello frame sent.
func dial(ctx context.Context, flags *shellFlags) (*grpc.ClientConn, shellpb.ShellOpenClient, error) {
	creds, err := transport.DialOption(flags.tls)
	if err != nil {
		return nil, nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, flags.timeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, flags.host, creds, grpc.WithBlock())
	if err != nil {
		return nil, nil, fmt.Errorf("dial host: %w", err)
	}
	stream, err := shellpb.Open(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open shell stream: %w", err)
	}
	fields := map[string]any{"webview_id": flags.webviewID, "url": flags.url}
	if flags.appID != "" {
		fields["app_id"] = flags.appID
	}
	hello, err := shellpb.New(shellpb.TypeHello, fields)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := stream.Send(hello); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send hello: %w", err)
	}
	return conn, stream, nil
}
