package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/tsarna/morsel/pkg/morsel"
	"github.com/tsarna/morsel/pkg/morsel/middleware"
	"github.com/tsarna/morsel/pkg/morsel/relay"
	"github.com/tsarna/morsel/pkg/morsel/websockets/client"
	"go.uber.org/zap"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <websocket-url> <method> [json-arguments...]",
	Short: "Invoke a method on a MorseL hub",
	Long: `Invoke a hub method and print its result as JSON.

Each argument is parsed as JSON; arguments that are not valid JSON are sent as
strings. With --listen the client stays connected afterwards and prints every
Receive call the hub makes until interrupted.

Examples:
  morsel invoke ws://localhost:5000/hub Echo '{"hello":"world"}'
  morsel invoke ws://localhost:5000/hub Join lobby --listen
  morsel invoke --base64 ws://localhost:5000/chat Publish lobby "hi there"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInvoke,
}

var (
	invokeDialTimeout time.Duration
	invokeTimeout     time.Duration
	invokeBase64      bool
	invokeNoWait      bool
	invokeListen      bool
	invokeStrict      bool
	invokeAuth        string
)

func init() {
	rootCmd.AddCommand(invokeCmd)

	invokeCmd.Flags().DurationVar(&invokeDialTimeout, "dial-timeout", client.DefaultDialTimeout, "WebSocket dial timeout")
	invokeCmd.Flags().DurationVar(&invokeTimeout, "timeout", 30*time.Second, "time allowed for the call to complete")
	invokeCmd.Flags().BoolVar(&invokeBase64, "base64", false, "base64-encode frames, for hubs using the base64 middleware")
	invokeCmd.Flags().BoolVar(&invokeNoWait, "no-wait", false, "send without waiting for a result")
	invokeCmd.Flags().BoolVar(&invokeListen, "listen", false, "stay connected and print calls made by the hub")
	invokeCmd.Flags().BoolVar(&invokeStrict, "strict", false, "enable every strict option on the client side")
	invokeCmd.Flags().StringVar(&invokeAuth, "authorization", "", "Authorization header to send")
}

func runInvoke(cmd *cobra.Command, args []string) error {
	// Keep stdout readable unless asked otherwise.
	if !cmd.Flags().Changed("log-level") {
		logLevel = "warn"
	}
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL, method := args[0], args[1]
	callArgs := parseArguments(args[2:])

	methods := morsel.NewMethodTable()
	if invokeListen {
		out := json.NewEncoder(os.Stdout)
		methods.Register(relay.ReceiveMethod, morsel.VariadicArity, func(ctx context.Context, args morsel.Arguments) (any, error) {
			return nil, out.Encode(map[string]any{"method": relay.ReceiveMethod, "arguments": args})
		})
	}

	builder := client.NewClient().
		WithURL(wsURL).
		WithLogger(logger).
		WithDialTimeout(invokeDialTimeout).
		WithMethods(methods)
	if invokeBase64 {
		builder.WithMiddleware(middleware.Base64())
	}
	if invokeStrict {
		builder.WithOptions(morsel.StrictOptions())
	}
	if invokeAuth != "" {
		builder.WithAuthorization(invokeAuth)
	}

	wsClient, err := builder.Build()
	if err != nil {
		return fmt.Errorf("failed to create WebSocket client: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callCtx, cancel := context.WithTimeout(ctx, invokeTimeout)
	defer cancel()

	if err := wsClient.Connect(callCtx); err != nil {
		return fmt.Errorf("failed to connect to WebSocket server: %w", err)
	}
	defer func() {
		if err := wsClient.Disconnect(); err != nil {
			logger.Warn("Error during client disconnect", zap.Error(err))
		}
	}()

	logger.Info("Connected", zap.String("url", wsURL), zap.String("connection-id", wsClient.ConnectionID()))

	if invokeNoWait {
		if err := wsClient.Send(callCtx, method, callArgs...); err != nil {
			return err
		}
	} else {
		call, err := wsClient.Invoke(callCtx, method, callArgs...)
		if err != nil {
			return err
		}
		result, err := call.Wait(callCtx)
		if err != nil {
			return err
		}
		if len(result) == 0 {
			result = json.RawMessage("null")
		}
		fmt.Println(string(result))
	}

	if !invokeListen {
		return nil
	}

	conn := wsClient.Connection()
	select {
	case <-ctx.Done():
	case <-conn.Done():
		return conn.Err()
	}
	return nil
}

// parseArguments keeps valid JSON as-is and sends anything else as a string.
func parseArguments(args []string) []any {
	values := make([]any, len(args))
	for i, arg := range args {
		if json.Valid([]byte(arg)) {
			values[i] = json.RawMessage(arg)
		} else {
			values[i] = arg
		}
	}
	return values
}
