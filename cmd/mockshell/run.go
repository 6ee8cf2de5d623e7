package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/miniapp-io/miniapp-host/pkg/api/shellpb"
	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// shell serializes sends on one stream; the recv loop answers evaluate
// frames while the stdin loop forwards commands.
type shell struct {
	stream shellpb.ShellOpenClient
	out    io.Writer
	mu     sync.Mutex
}

func (s *shell) send(typ string, fields map[string]any) error {
	frame, err := shellpb.New(typ, fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream.Send(frame)
}

func (s *shell) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

func runCmd(flags *shellFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Open a shell session and forward commands read from stdin",
		Long: `Open a shell session and forward commands read from stdin:

  call <interface> <method> [json-arg ...]
  intent <uri>
  event <name> [json]
  consent <prompt-id> allow|deny
  dismiss
  resume`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			conn, stream, err := dial(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()

			sh := &shell{stream: stream, out: cmd.OutOrStdout()}
			if err := sh.send(shellpb.TypePageStarted, map[string]any{"url": flags.url}); err != nil {
				return fmt.Errorf("send page_started: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			gctx, cancel := context.WithCancel(gctx)
			defer cancel()
			g.Go(func() error {
				// the host closing the stream also ends the stdin loop
				defer cancel()
				return sh.recvLoop()
			})
			g.Go(func() error {
				err := sh.stdinLoop(gctx, cmd.InOrStdin(), flags.webviewID)
				stream.CloseSend()
				return err
			})
			return g.Wait()
		},
	}
}

func intentCmd(flags *shellFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "intent <uri>",
		Short: "Deliver one wallet-return URI and print what the host sends back",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), flags.timeout+wait)
			defer cancel()

			conn, stream, err := dial(ctx, flags)
			if err != nil {
				return err
			}
			defer conn.Close()

			sh := &shell{stream: stream, out: cmd.OutOrStdout()}
			if err := sh.send(shellpb.TypeIntent, map[string]any{"uri": args[0]}); err != nil {
				return fmt.Errorf("send intent: %w", err)
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return sh.recvLoop() })
			g.Go(func() error {
				select {
				case <-time.After(wait):
				case <-gctx.Done():
				}
				return stream.CloseSend()
			})
			return g.Wait()
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 3*time.Second, "how long to keep the stream open for replies")
	return cmd
}

func (s *shell) recvLoop() error {
	for {
		frame, err := s.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return fmt.Errorf("recv: %w", err)
		}
		if err := s.handle(frame); err != nil {
			return err
		}
	}
}

func (s *shell) handle(frame *shellpb.Frame) error {
	switch shellpb.Type(frame) {
	case shellpb.TypeHelloAck:
		s.printf("session %s\n", shellpb.String(frame, "session_id"))
	case shellpb.TypeEvaluate:
		s.printf("evaluate %s\n", shellpb.String(frame, "script"))
		return s.send(shellpb.TypeEvalResult, map[string]any{
			"call_id": shellpb.String(frame, "call_id"),
			"result":  "true",
		})
	case shellpb.TypeLaunchURL:
		uri := shellpb.String(frame, "url")
		s.printf("launch %s\n", uri)
		if qr, err := qrcode.New(uri, qrcode.Medium); err == nil {
			s.printf("%s", qr.ToSmallString(false))
		}
	case shellpb.TypeConsentPrompt:
		s.printf("consent %s %s: %s (answer with: consent %s allow|deny)\n",
			shellpb.String(frame, "kind"), shellpb.String(frame, "app_id"),
			shellpb.String(frame, "reason"), shellpb.String(frame, "prompt_id"))
	case shellpb.TypeSensorControl:
		s.printf("sensor %s %s\n", shellpb.String(frame, "sensor"), shellpb.String(frame, "action"))
	case shellpb.TypeError:
		s.printf("error %s: %s\n", shellpb.String(frame, "code"), shellpb.String(frame, "message"))
	case shellpb.TypeHeartbeat:
	default:
		s.printf("frame %s\n", shellpb.Type(frame))
	}
	return nil
}

func (s *shell) stdinLoop(ctx context.Context, in io.Reader, webviewID string) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := s.command(strings.TrimSpace(line), webviewID); err != nil {
				s.printf("! %v\n", err)
			}
		}
	}
}

func (s *shell) command(line, webviewID string) error {
	if line == "" {
		return nil
	}
	verb, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch verb {
	case "call":
		parts := strings.Fields(rest)
		if len(parts) < 2 {
			return errors.New("usage: call <interface> <method> [json-arg ...]")
		}
		args := make([]any, 0, len(parts)-2)
		for _, p := range parts[2:] {
			args = append(args, p)
		}
		return s.send(shellpb.TypeJSCall, map[string]any{"interface": parts[0], "method": parts[1], "args": args})
	case "intent":
		if rest == "" {
			return errors.New("usage: intent <uri>")
		}
		return s.send(shellpb.TypeIntent, map[string]any{"uri": rest})
	case "event":
		name, data, _ := strings.Cut(rest, " ")
		if name == "" {
			return errors.New("usage: event <name> [json]")
		}
		fields := map[string]any{"event": name}
		if data = strings.TrimSpace(data); data != "" {
			v, err := shellpb.Value(data)
			if err != nil {
				return fmt.Errorf("event data: %w", err)
			}
			fields["data"] = v
		}
		return s.send(shellpb.TypeNativeEvent, fields)
	case "consent":
		id, answer, _ := strings.Cut(rest, " ")
		return s.send(shellpb.TypeConsentResult, map[string]any{"prompt_id": id, "outcome": strings.TrimSpace(answer)})
	case "dismiss":
		return s.send(shellpb.TypeDismissed, map[string]any{"webview_id": webviewID})
	case "resume":
		return s.send(shellpb.TypeResumed, nil)
	default:
		return fmt.Errorf("unknown command %q", verb)
	}
}
