package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn(ctx context.Context) bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	Send(ctx context.Context, text string) error
	Sync(ctx context.Context) error
	Status(ctx context.Context) error
	Pins(ctx context.Context) error
}

// runREPL reads commands line by line from reader and dispatches them to a.
// The loop exits on EOF, when ctx is done, or on "exit" / "quit".
//
// The prompt shows the current status (from statusFn) and accepts commands:
//
//	help           show available commands
//	login          authenticate
//	logout         end the session
//	send <text>    send a chat message (queued while offline)
//	sync           replay queued requests now
//	status         show connectivity, session and queue state
//	pins           show certificate pinning state
//	exit | quit    leave the program
//
// Handlers print their own errors, so returned errors are ignored here.
// Prompts issued by handlers read from the same reader.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("api> %s > ", statusFn()))

		line, err := reader.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return
		}

		cmd, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
		if cmd == "" {
			continue
		}

		switch cmd {
		case "help":
			if a.isLoggedIn(ctx) {
				printlnFn("Available commands: send <text>, sync, status, pins, logout, exit")
			} else {
				printlnFn("Available commands: login, sync, status, pins, exit")
			}

		case "login":
			_ = a.Login(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "send":
			_ = a.Send(ctx, rest)

		case "sync":
			_ = a.Sync(ctx)

		case "status":
			_ = a.Status(ctx)

		case "pins":
			_ = a.Pins(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
