package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tsarna/eventwire/pkg/eventwire/client"
	"github.com/tsarna/eventwire/pkg/eventwire/protocol"
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send <websocket-url> <type> <json-payload>",
	Short: "Send one message to a hub and print its echo",
	Long: `Send a single message of the given type to a hub, wait for the hub to
echo it back and print the echoed message.

Examples:
  eventwire send ws://localhost:8080/ws metric '{"value":42}'
  eventwire send ws://localhost:8080/ws greeting '"hello"'`,
	Args: cobra.ExactArgs(3),
	RunE: runSend,
}

var sendTimeout time.Duration

func init() {
	rootCmd.AddCommand(sendCmd)

	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "how long to wait for the echo")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger, err := setupLogger()
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer logger.Sync()

	wsURL := args[0]
	typ, payload, err := parseSendArgs(args[1], args[2])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
	defer cancel()

	m, err := client.NewManager().
		WithURL(wsURL).
		WithLogger(logger).
		WithDebug(GetDebug() || GetVerbose()).
		WithAutoConnect(false).
		WithMaxReconnectAttempts(0).
		Build()
	if err != nil {
		return fmt.Errorf("failed to create connection manager: %w", err)
	}
	defer m.Destroy()

	echoes := make(chan json.RawMessage, 1)
	failures := make(chan string, 1)
	m.On(protocol.TypeEcho, func(env protocol.Envelope) error {
		select {
		case echoes <- env.Original:
		default:
		}
		return nil
	})
	m.On(protocol.TypeStatus, func(env protocol.Envelope) error {
		var status struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(env.Payload, &status) == nil && status.Error != "" {
			select {
			case failures <- status.Error:
			default:
			}
		}
		return nil
	})

	// queued until the connection opens
	if err := m.Send(typ, payload); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := m.Connect(); err != nil {
		return err
	}

	select {
	case original := <-echoes:
		logger.Debug("Echo received", zap.String("url", wsURL))
		fmt.Fprintln(cmd.OutOrStdout(), string(original))
		return nil
	case reason := <-failures:
		return fmt.Errorf("failed to send message to %s: %s", wsURL, reason)
	case <-ctx.Done():
		return fmt.Errorf("no echo from %s: %w", wsURL, ctx.Err())
	}
}

var errReservedType = errors.New("message type is reserved for the protocol")

func parseSendArgs(typ, payload string) (protocol.MessageType, json.RawMessage, error) {
	mt := protocol.MessageType(typ)
	switch mt {
	case "":
		return "", nil, fmt.Errorf("message type is required")
	case protocol.TypeHeartbeat, protocol.TypeSubscribe, protocol.TypeUnsubscribe:
		return "", nil, fmt.Errorf("%w: %s", errReservedType, typ)
	}

	if !json.Valid([]byte(payload)) {
		return "", nil, fmt.Errorf("payload is not valid JSON: %s", payload)
	}
	return mt, json.RawMessage(payload), nil
}
