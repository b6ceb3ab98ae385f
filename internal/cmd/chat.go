package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/shlex"
	"github.com/reeflective/readline"
	"github.com/spf13/cobra"

	"github.com/candorlabs/candor/internal/stream"
)

var oncePrompt string

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive chat with streamed answers",
	Long: `Start an interactive chat session against the Candor backend.

Answers stream token by token. A new prompt aborts any answer still in
flight, and Ctrl+C while an answer is streaming stops it without losing
the text received so far; the chat keeps running.

Use --once to send a single prompt and exit:
  candor chat --once "What is the capital of France?"

Commands (interactive mode only):
  /stop         - Stop the current answer
  /quit, /exit  - Exit the chat
  /help         - Show available commands`,
	RunE: runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&oncePrompt, "once", "", "Send a single prompt and exit (non-interactive mode)")
}

// consoleSink prints streamed fragments as they arrive.
type consoleSink struct {
	done chan struct{}
}

func newConsoleSink() *consoleSink {
	return &consoleSink{done: make(chan struct{})}
}

func (s *consoleSink) OnSessionStart(sessionID int64) {}

func (s *consoleSink) OnChunk(delta string) {
	fmt.Print(delta)
}

func (s *consoleSink) OnFinish(status stream.Status, text, errMsg string) {
	switch status {
	case stream.StatusErrored:
		fmt.Printf("\n\n❌ %s\n", errMsg)
	case stream.StatusStopped:
		fmt.Println("\n\n🛑 Stopped")
	default:
		fmt.Println()
	}
	close(s.done)
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Signals are handled per answer: Ctrl+C while a stream is active
	// stops that generation instead of killing the chat. Readline owns
	// the terminal at the prompt, where Ctrl+C surfaces as ErrInterrupt.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	controller := stream.NewController(newAPIClient(),
		stream.WithIdleTimeout(cfg.Stream.IdleTimeout()))

	if oncePrompt != "" {
		return runOnce(ctx, controller, sigChan, oncePrompt)
	}
	return runChatLoop(ctx, controller, sigChan)
}

// runOnce sends a single prompt and exits after the answer finishes.
func runOnce(ctx context.Context, controller *stream.Controller, sigChan <-chan os.Signal, prompt string) error {
	sink := newConsoleSink()
	g, err := controller.Start(ctx, prompt, 0, sink)
	if err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	waitForAnswer(sink, controller, sigChan)
	if g.Status() == stream.StatusErrored {
		return fmt.Errorf("answer failed: %s", g.ErrMessage())
	}
	return nil
}

// waitForAnswer blocks until the current generation finalizes. A signal
// received while the answer is still streaming stops the generation, so
// interrupting an answer finalizes it as stopped rather than as a failure
// and the chat stays interactive.
func waitForAnswer(sink *consoleSink, controller *stream.Controller, sigChan <-chan os.Signal) {
	for {
		select {
		case <-sink.done:
			return
		case <-sigChan:
			controller.Stop()
		}
	}
}

// slashCommands defines the available slash commands with their descriptions.
var slashCommands = []struct {
	name        string
	description string
}{
	{"/help", "Show available commands"},
	{"/h", "Show available commands (alias)"},
	{"/quit", "Exit the chat"},
	{"/exit", "Exit the chat (alias)"},
	{"/q", "Exit the chat (alias)"},
	{"/stop", "Stop the current answer"},
	{"/new", "Start a new conversation"},
}

func runChatLoop(ctx context.Context, controller *stream.Controller, sigChan <-chan os.Signal) error {
	rl := readline.NewShell()
	rl.Prompt.Primary(func() string { return "candor> " })

	history := readline.NewInMemoryHistory()
	rl.History.Add("default", history)

	rl.Completer = func(line []rune, cursor int) readline.Completions {
		return completeInput(string(line), cursor)
	}

	fmt.Println("\n📝 Type your message and press Enter. Use /help for commands. Tab completes commands.")

	// The session id from the server's first start frame keeps the
	// conversation going across prompts. /new resets it.
	var sessionID int64

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err != nil {
			if err == io.EOF || err == readline.ErrInterrupt {
				controller.Stop()
				fmt.Println("\n👋 Goodbye!")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			if exit := handleChatCommand(controller, line, &sessionID); exit {
				return nil
			}
			continue
		}

		fmt.Println()
		sink := newConsoleSink()
		g, err := controller.Start(ctx, line, sessionID, sink)
		if err != nil {
			fmt.Printf("\n❌ Error: %v\n", err)
			continue
		}
		waitForAnswer(sink, controller, sigChan)
		if id := g.SessionID(); id != 0 {
			sessionID = id
		}
		fmt.Println()
	}
}

// handleChatCommand runs one slash command. Returns true when the chat
// should exit.
func handleChatCommand(controller *stream.Controller, line string, sessionID *int64) bool {
	parts, err := shlex.Split(strings.TrimPrefix(line, "/"))
	if err != nil || len(parts) == 0 {
		fmt.Printf("❓ Unparseable command: %s\n", line)
		return false
	}

	switch strings.ToLower(parts[0]) {
	case "quit", "exit", "q":
		controller.Stop()
		fmt.Println("👋 Goodbye!")
		return true
	case "stop":
		if err := controller.Stop(); err == stream.ErrNoGeneration {
			fmt.Println("Nothing to stop")
		}
	case "new":
		controller.Stop()
		*sessionID = 0
		fmt.Println("✨ New conversation")
	case "help", "h":
		printChatHelp()
	default:
		fmt.Printf("❓ Unknown command: /%s (use /help for available commands)\n", parts[0])
	}
	return false
}

func printChatHelp() {
	fmt.Println(`
Available commands:
  /quit, /exit, /q  - Exit the chat
  /stop             - Stop the current answer
  /new              - Start a new conversation
  /help, /h         - Show this help message

Tips:
  - Type your message and press Enter to send it
  - Press Ctrl+C while an answer is streaming to stop that answer
  - Press Ctrl+C at the prompt to exit gracefully
  - Use up/down arrows for command history
  - Use Tab to autocomplete slash commands`)
}

// completeInput provides tab completion for slash commands.
func completeInput(line string, cursor int) readline.Completions {
	if cursor > len(line) {
		cursor = len(line)
	}
	text := line[:cursor]
	if !strings.HasPrefix(text, "/") {
		return readline.Completions{}
	}

	var matches []string
	var descriptions []string
	for _, c := range slashCommands {
		if strings.HasPrefix(c.name, text) {
			matches = append(matches, c.name)
			descriptions = append(descriptions, c.description)
		}
	}
	if len(matches) == 0 {
		return readline.Completions{}
	}

	pairs := make([]string, 0, len(matches)*2)
	for i, match := range matches {
		pairs = append(pairs, match, descriptions[i])
	}
	return readline.CompleteValuesDescribed(pairs...).
		Tag("commands").
		NoSpace('/')
}
