package main

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"rover/auth"
	"rover/control"
)

const SEND_TIMEOUT = 5 * time.Second

var (
	sendURL   string
	sendRelay string
	sendToken string
)

var sendCmd = &cobra.Command{
	Use:   "send [message...]",
	Short: "Send control messages and print the acks",
	Long: `Sends each argument, or each stdin line when no arguments are given, as
one control message and prints the ack. The websocket is used unless
--relay names a TCP relay address.

Example:
  roverd send --url ws://rover.local:8080/ws MOTOR#50#50 SONIC MOTOR#0#0`,
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendURL, "url", "ws://localhost:8080/ws", "websocket endpoint")
	sendCmd.Flags().StringVar(&sendRelay, "relay", "", "TCP relay address, e.g. rover.local:9000")
	sendCmd.Flags().StringVar(&sendToken, "token", "", "bearer token; minted from auth.secret when empty")
}

// exchange sends one message and waits for its ack.
type exchange func(msg string) ([]byte, error)

func runSend(cmd *cobra.Command, args []string) error {
	messages := args
	if len(messages) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				messages = append(messages, line)
			}
		}
		if err := scanner.Err(); err != nil {
			return err
		}
	}

	var send exchange
	var closer func() error
	var err error
	if sendRelay != "" {
		send, closer, err = dialRelay(sendRelay)
	} else {
		send, closer, err = dialWebSocket(sendURL)
	}
	if err != nil {
		return err
	}
	defer closer()

	out := cmd.OutOrStdout()
	for _, msg := range messages {
		data, err := send(msg)
		if err != nil {
			return fmt.Errorf("send %q: %w", msg, err)
		}
		ack, err := control.DecodeAck(data)
		if err != nil {
			return fmt.Errorf("decode ack: %w", err)
		}
		line := fmt.Sprintf("%-24s #%d %s %s", msg, ack.Seq, ack.Command, ack.Status)
		if ack.Distance != nil {
			line += fmt.Sprintf(" distance=%.1fcm", *ack.Distance)
		}
		if ack.Error != "" {
			line += " error=" + ack.Error
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func token() (string, error) {
	if sendToken != "" || cfg.Auth.Secret == "" {
		return sendToken, nil
	}
	v, err := auth.NewVerifier(cfg.Auth.Secret, cfg.Auth.Issuer)
	if err != nil {
		return "", err
	}
	return v.Issue("roverd-send", time.Minute)
}

func dialWebSocket(url string) (exchange, func() error, error) {
	header := http.Header{}
	tok, err := token()
	if err != nil {
		return nil, nil, err
	}
	if tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	dialer := websocket.Dialer{HandshakeTimeout: SEND_TIMEOUT}
	ws, _, err := dialer.Dial(url, header)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", url, err)
	}
	send := func(msg string) ([]byte, error) {
		ws.SetWriteDeadline(time.Now().Add(SEND_TIMEOUT))
		if err := ws.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(SEND_TIMEOUT))
		_, data, err := ws.ReadMessage()
		return data, err
	}
	closer := func() error {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		return ws.Close()
	}
	return send, closer, nil
}

func dialRelay(address string) (exchange, func() error, error) {
	conn, err := net.DialTimeout("tcp", address, SEND_TIMEOUT)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", address, err)
	}
	reader := bufio.NewReader(conn)
	send := func(msg string) ([]byte, error) {
		conn.SetDeadline(time.Now().Add(SEND_TIMEOUT))
		if _, err := conn.Write([]byte(msg + "\n")); err != nil {
			return nil, err
		}
		return reader.ReadBytes('\n')
	}
	return send, conn.Close, nil
}
