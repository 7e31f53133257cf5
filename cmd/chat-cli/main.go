// ABOUTME: Interactive terminal chat client for the gateway's realtime channel.
// ABOUTME: Usage: chat-cli [-url http://localhost:8080] [-token ...] [-conv ID]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/lumistore/chat-gateway/internal/client"
	"github.com/lumistore/chat-gateway/internal/dedupe"
	"github.com/lumistore/chat-gateway/internal/room"
)

func main() {
	_ = godotenv.Load()

	url := flag.String("url", "http://localhost:8080", "Gateway base URL")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "Bearer token (defaults to CHAT_TOKEN)")
	conv := flag.String("conv", "", "Conversation ID to join (empty: your active conversation)")
	flag.Parse()

	if *token == "" {
		log.Fatal("a token is required: pass -token or set CHAT_TOKEN")
	}

	if err := run(*url, *token, *conv); err != nil {
		log.Fatal(err)
	}
}

func wsURL(base string) string {
	u := strings.TrimSuffix(base, "/")
	u = strings.Replace(u, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/ws"
}

func run(baseURL, token, convID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	gray := color.New(color.FgHiBlack)
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	c, err := client.New(client.Options{
		Dial: client.WebSocketDial(wsURL(baseURL), token),
		OnStateChange: func(state string) {
			gray.Fprintf(os.Stderr, "[%s]\n", state)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to %s: %w", wsURL(baseURL), err)
	}

	if convID != "" {
		if err := c.Join(ctx, convID); err != nil {
			return fmt.Errorf("joining conversation %s: %w", convID, err)
		}
		gray.Fprintf(os.Stderr, "joined %s\n", convID)
	}

	// A reconnect can replay a broadcast that raced the drop, and joining a
	// room after a reconnect overlaps with messages already printed. Seen
	// message IDs are remembered for a while to keep the transcript clean.
	seen := dedupe.New(5*time.Minute, 1024)
	defer seen.Close()

	// Print server events as they arrive.
	go func() {
		for ev := range c.Events() {
			switch ev.Type {
			case room.EventConnected:
				var p room.ConnectedPayload
				if err := json.Unmarshal(ev.Data, &p); err == nil {
					gray.Fprintf(os.Stderr, "connected as %s (%s)\n", p.UserID, p.Role)
				}
			case room.EventNewMessage:
				var p room.NewMessagePayload
				if err := json.Unmarshal(ev.Data, &p); err != nil || p.Message == nil {
					continue
				}
				if seen.CheckAndMark(p.Message.ID) {
					continue
				}
				if p.Message.IsFromBot {
					cyan.Printf("bot> ")
				} else {
					color.New(color.FgGreen).Printf("%s> ", p.Message.SenderID)
				}
				fmt.Println(p.Message.Content)
			case room.EventConversationUpdated:
				var p room.ConversationUpdatedPayload
				if err := json.Unmarshal(ev.Data, &p); err == nil && p.Conversation != nil {
					gray.Fprintf(os.Stderr, "conversation %s is now %s/%s\n",
						p.Conversation.ID, p.Conversation.Type, p.Conversation.Status)
				}
			case room.EventNewWaiting:
				var p room.NewWaitingPayload
				if err := json.Unmarshal(ev.Data, &p); err == nil && p.Conversation != nil {
					yellow.Printf("waiting> %s (%s)\n", p.Conversation.ID, p.Conversation.LastMessage)
				}
			case room.EventTyping:
				var p room.TypingPayload
				if err := json.Unmarshal(ev.Data, &p); err == nil && p.IsTyping {
					gray.Fprintf(os.Stderr, "%s is typing...\n", p.UserID)
				}
			}
		}
	}()

	gray.Fprintln(os.Stderr, "type a message, or /human /bot /read /join ID /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return nil
		case line == "/human":
			if err := c.SwitchToHuman(ctx, convID); err != nil {
				yellow.Fprintf(os.Stderr, "switch failed: %v\n", err)
			}
		case line == "/bot":
			if err := c.SwitchToBot(ctx, convID); err != nil {
				yellow.Fprintf(os.Stderr, "switch failed: %v\n", err)
			}
		case line == "/read":
			if err := c.MarkAsRead(ctx, convID); err != nil {
				yellow.Fprintf(os.Stderr, "mark as read failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/join "):
			id := strings.TrimSpace(strings.TrimPrefix(line, "/join "))
			if err := c.Join(ctx, id); err != nil {
				yellow.Fprintf(os.Stderr, "join failed: %v\n", err)
				continue
			}
			convID = id
			gray.Fprintf(os.Stderr, "joined %s\n", convID)
		case strings.HasPrefix(line, "/"):
			yellow.Fprintf(os.Stderr, "unknown command: %s\n", line)
		default:
			ack, err := c.SendMessage(ctx, convID, line)
			if err != nil {
				yellow.Fprintf(os.Stderr, "send failed: %v\n", err)
				continue
			}
			// First message without a conversation binds us to the one the
			// server created or reused.
			if convID == "" && ack.ConversationID != "" {
				convID = ack.ConversationID
				gray.Fprintf(os.Stderr, "conversation %s\n", convID)
			}
			seen.Mark(ack.MessageID)
		}
	}
	return scanner.Err()
}
