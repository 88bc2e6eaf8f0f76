package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"

	"github.com/tinyland-inc/dingclaw/cmd/dingclaw/internal"
	"github.com/tinyland-inc/dingclaw/pkg/channels"
	"github.com/tinyland-inc/dingclaw/pkg/logger"
	"github.com/tinyland-inc/dingclaw/pkg/providers"
	"github.com/tinyland-inc/dingclaw/pkg/session"
)

func chatCmd(ctx context.Context, message, sender string, debug bool) error {
	cfg, err := internal.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if err := internal.SetupLogging(cfg, debug); err != nil {
		return err
	}
	defer logger.Close()

	provider, err := providers.NewFromConfig(cfg.Gateway)
	if err != nil {
		return fmt.Errorf("error creating provider: %w", err)
	}
	history, err := session.NewHistoryStore(cfg.History)
	if err != nil {
		return err
	}
	if c, ok := history.(io.Closer); ok {
		defer c.Close()
	}

	cs := &chatSession{
		provider:     provider,
		sessions:     session.NewManager(session.WithTimeout(cfg.Session.Timeout())),
		history:      history,
		systemPrompt: strings.TrimSpace(cfg.Channels.DingTalk.SystemPrompt),
		sender:       sender,
	}

	if message != "" {
		fmt.Printf("\n%s ", internal.Logo)
		if err := cs.Send(ctx, message, os.Stdout); err != nil {
			return fmt.Errorf("error processing message: %w", err)
		}
		fmt.Println()
		return nil
	}

	fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", internal.Logo)
	interactiveMode(ctx, cs)
	return nil
}

// chatSession runs terminal turns through the bridge's session and history
// handling.
type chatSession struct {
	provider     providers.StreamProvider
	sessions     *session.Manager
	history      session.HistoryStore
	systemPrompt string
	sender       string
}

// Send runs one turn and streams the reply to w.
func (c *chatSession) Send(ctx context.Context, input string, w io.Writer) error {
	if session.IsNewSessionCommand(input) {
		info := c.sessions.Resolve(c.sender, true)
		if err := c.history.Reset(ctx, info.SessionKey); err != nil {
			return err
		}
		fmt.Fprint(w, channels.NewSessionText)
		return nil
	}

	info := c.sessions.Resolve(c.sender, false)
	if info.IsNew {
		if err := c.history.Reset(ctx, info.SessionKey); err != nil {
			return err
		}
	}
	user := providers.Message{Role: providers.RoleUser, Content: input}
	if err := c.history.Append(ctx, info.SessionKey, user); err != nil {
		return err
	}
	messages, err := c.history.Load(ctx, info.SessionKey)
	if err != nil {
		return err
	}

	stream, err := c.provider.StreamChat(ctx, messages, info.SessionKey, c.systemPrompt)
	if err != nil {
		return err
	}
	defer stream.Close()

	var sb strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		sb.WriteString(chunk)
		fmt.Fprint(w, chunk)
	}
	if err := stream.Err(); err != nil {
		return err
	}
	if sb.Len() == 0 {
		return nil
	}
	return c.history.Append(ctx, info.SessionKey,
		providers.Message{Role: providers.RoleAssistant, Content: sb.String()})
}

func interactiveMode(ctx context.Context, cs *chatSession) {
	prompt := fmt.Sprintf("%s You: ", internal.Logo)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".dingclaw_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, cs)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !runLine(ctx, cs, line) {
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, cs *chatSession) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", internal.Logo)
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !runLine(ctx, cs, line) {
			return
		}
	}
}

// runLine handles one input line and reports whether to keep reading.
func runLine(ctx context.Context, cs *chatSession, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Println("Goodbye!")
		return false
	}

	fmt.Printf("\n%s ", internal.Logo)
	if err := cs.Send(ctx, input, os.Stdout); err != nil {
		fmt.Printf("\nError: %v\n", err)
	}
	fmt.Print("\n\n")
	return true
}
