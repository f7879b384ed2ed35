package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/dayuer/livehub/internal/gateway"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to a running hub over its WebSocket endpoint",
	RunE:  runChat,
}

var (
	chatURL     string
	chatUser    string
	chatSession string
	chatMessage string
)

func init() {
	chatCmd.Flags().StringVar(&chatURL, "url", "", "Hub base URL (default from config)")
	chatCmd.Flags().StringVarP(&chatUser, "user", "u", "cli", "User ID")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "Session ID to resume")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "Send one message and exit")
	rootCmd.AddCommand(chatCmd)
}

// chatFrame is one server frame.
type chatFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// chatClient is a minimal WebSocket client session.
type chatClient struct {
	conn      *websocket.Conn
	sessionID string
	timeout   time.Duration
}

func dialChat(ctx context.Context, base, user, resume string) (*chatClient, error) {
	u := strings.TrimRight(base, "/")
	u = strings.Replace(u, "http://", "ws://", 1)
	u = strings.Replace(u, "https://", "wss://", 1)
	u += "/api/v1/ws/" + user
	if resume != "" {
		u += "?session_id=" + resume
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", u, err)
	}
	c := &chatClient{conn: conn, timeout: 60 * time.Second}

	f, err := c.next()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if f.Type != gateway.TypeSession {
		conn.Close()
		return nil, fmt.Errorf("expected session frame, got %q", f.Type)
	}
	var hello struct {
		SessionID string `json:"session_id"`
	}
	json.Unmarshal(f.Data, &hello)
	c.sessionID = hello.SessionID
	return c, nil
}

func (c *chatClient) next() (chatFrame, error) {
	var f chatFrame
	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	if err := c.conn.ReadJSON(&f); err != nil {
		return f, fmt.Errorf("reading frame: %w", err)
	}
	return f, nil
}

// Ask sends text and waits for the reply. Animation frames seen on the way
// are passed to onAnimation.
func (c *chatClient) Ask(text string, onAnimation func(string)) (reply, model string, err error) {
	msg, _ := json.Marshal(map[string]string{"type": gateway.TypeTextInput, "content": text})
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return "", "", fmt.Errorf("sending: %w", err)
	}
	for {
		f, err := c.next()
		if err != nil {
			return "", "", err
		}
		switch f.Type {
		case "llm_response":
			var d struct {
				Response string `json:"response"`
				Model    string `json:"model"`
			}
			json.Unmarshal(f.Data, &d)
			return d.Response, d.Model, nil
		case "animation":
			if onAnimation != nil {
				var d struct {
					AnimationType string `json:"animation_type"`
				}
				json.Unmarshal(f.Data, &d)
				onAnimation(d.AnimationType)
			}
		case gateway.TypeError:
			var d struct {
				Message string `json:"message"`
			}
			json.Unmarshal(f.Data, &d)
			return "", "", fmt.Errorf("hub error: %s", d.Message)
		}
	}
}

func (c *chatClient) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func runChat(cmd *cobra.Command, args []string) error {
	base, err := hubBaseURL(chatURL)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := dialChat(ctx, base, chatUser, chatSession)
	if err != nil {
		return err
	}
	defer client.Close()
	go func() {
		<-ctx.Done()
		client.conn.Close()
	}()

	if chatMessage != "" {
		reply, _, err := client.Ask(chatMessage, nil)
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	}

	fmt.Println("🤖 livehub chat (type 'exit' or Ctrl+C to quit)")
	fmt.Println(dimStyle.Render("session " + client.sessionID))
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	exitCommands := map[string]bool{
		"exit": true, "quit": true, "/exit": true, "/quit": true, ":q": true,
	}

	for {
		fmt.Print("You: ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if exitCommands[strings.ToLower(input)] {
			fmt.Println("Goodbye!")
			break
		}

		var anims []string
		reply, model, err := client.Ask(input, func(a string) { anims = append(anims, a) })
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\nGoodbye!")
				return nil
			}
			return err
		}
		fmt.Println()
		fmt.Println(titleStyle.Render("🤖 "+model) + " " + dimStyle.Render(strings.Join(anims, " ")))
		fmt.Println(reply)
		fmt.Println()
	}
	return nil
}
