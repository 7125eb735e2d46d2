package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/apicore/internal/client/client"
	"github.com/dmitrijs2005/apicore/internal/client/services"
	"github.com/dmitrijs2005/apicore/internal/common"
)

// getSimpleText and getPassword are indirections used to facilitate testing.
var getSimpleText = GetSimpleText
var getPassword = GetPassword

// report prints the user-facing text for err and returns err unchanged.
func (a *App) report(ctx context.Context, op string, err error) error {
	a.log.Debug(ctx, op+" failed", "error", err)
	fmt.Fprintln(a.out, client.UserMessage(err))
	return err
}

// Login prompts for a user name and password and opens a session.
// The password is wiped before returning.
func (a *App) Login(ctx context.Context) error {
	userName, err := getSimpleText(a.reader, "Enter username", a.out)
	if err != nil {
		return err
	}

	password, err := getPassword(a.out)
	if err != nil {
		return err
	}
	defer common.WipeByteArray(password)

	if err := a.auth.Login(ctx, userName, password); err != nil {
		return a.report(ctx, "login", err)
	}

	a.userName = userName
	fmt.Fprintln(a.out, "Success!")
	return nil
}

// Logout drops the local session; a failed server call is only reported.
func (a *App) Logout(ctx context.Context) error {
	err := a.auth.Logout(ctx)
	a.userName = ""
	if err != nil {
		return a.report(ctx, "logout", err)
	}
	fmt.Fprintln(a.out, "Logged out.")
	return nil
}

// Send posts text as a chat message. While offline the message is queued.
func (a *App) Send(ctx context.Context, text string) error {
	res, err := a.messages.Send(ctx, text)
	switch {
	case errors.Is(err, services.ErrEmptyMessage):
		fmt.Fprintln(a.out, "Usage: send <text>")
		return err
	case err != nil:
		return a.report(ctx, "send", err)
	case res.Queued:
		fmt.Fprintln(a.out, "Will send when back online.")
	default:
		fmt.Fprintf(a.out, "Sent (%s).\n", res.ID)
	}
	return nil
}

// Sync replays the offline queue now.
func (a *App) Sync(ctx context.Context) error {
	res, err := a.queue.SyncPendingRequests(ctx)
	if err != nil {
		return a.report(ctx, "sync", err)
	}
	if res.Skipped {
		fmt.Fprintf(a.out, "Nothing to sync (%s, %d pending).\n", a.mode(), a.queue.PendingCount())
		return nil
	}
	fmt.Fprintf(a.out, "Replayed %d, failed %d, dropped %d, remaining %d.\n",
		res.Replayed, res.Failed, res.Expired+res.Exhausted, res.Remaining)
	return nil
}

// Status prints connectivity, session and queue state.
func (a *App) Status(ctx context.Context) error {
	session := "signed out"
	if a.isLoggedIn(ctx) {
		session = "signed in"
	}
	fmt.Fprintf(a.out, "Mode: %s\nSession: %s\nPending: %d\n", a.mode(), session, a.queue.PendingCount())
	return nil
}

// Pins prints the pinning configuration and the fallback anchor state.
func (a *App) Pins(ctx context.Context) error {
	if a.pins == nil {
		fmt.Fprintln(a.out, "Pinning is not configured.")
		return nil
	}

	fmt.Fprintf(a.out, "Enforced: %t\nFallback anchor: %s\n", a.pins.Enforced(), a.pins.AnchorStatus())

	b := a.pins.Bundle()
	for _, host := range b.Hosts() {
		set, _ := b.For(host)
		var notes []string
		if !set.RotationReady() {
			notes = append(notes, "no public key pins")
		}
		if set.Legacy() {
			notes = append(notes, "legacy anchor")
		}
		line := "  " + host
		if len(notes) > 0 {
			line += " (" + strings.Join(notes, ", ") + ")"
		}
		fmt.Fprintln(a.out, line)
	}
	return nil
}
