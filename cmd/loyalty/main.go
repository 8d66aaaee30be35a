package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agrimart/loyalty/internal/app"
	"github.com/agrimart/loyalty/internal/config"
	"github.com/agrimart/loyalty/internal/otp"
	apperrors "github.com/agrimart/loyalty/pkg/errors"
	"github.com/agrimart/loyalty/pkg/logger"
)

const usage = `usage: loyalty <command> [flags]

commands:
  send-otp        -phone P [-action login|delete_account]
  login           -phone P -code C
  me
  countdown       -phone P [-action login|delete_account]
  delete-account  -phone P -code C
  logout
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		var lockErr *apperrors.LockError
		if errors.As(err, &lockErr) {
			fmt.Fprintf(os.Stderr, "resend locked, try again in %ds\n", lockErr.RemainingSeconds)
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	// Load configuration from environment variables.
	cfg, err := config.LoadClient()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logger.New("loyalty-client", cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client, err := app.NewClient(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			log.Error("close client", slog.String("error", err.Error()))
		}
	}()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "send-otp":
		return sendOTP(ctx, client, rest, out)
	case "login":
		return login(ctx, client, rest, out)
	case "me":
		return me(ctx, client, out)
	case "countdown":
		return countdown(ctx, client, rest, out)
	case "delete-account":
		return deleteAccount(ctx, client, rest, out)
	case "logout":
		if err := client.Account().Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "signed out")
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

type subjectFlags struct {
	phone  string
	action string
	code   string
}

func parseFlags(name string, args []string, withAction, withCode bool) (subjectFlags, error) {
	var f subjectFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&f.phone, "phone", "", "mobile number, e.g. 0912345678")
	if withAction {
		fs.StringVar(&f.action, "action", string(otp.ActionLogin), "login or delete_account")
	}
	if withCode {
		fs.StringVar(&f.code, "code", "", "6-digit passcode")
	}
	if err := fs.Parse(args); err != nil {
		return f, err
	}
	if f.phone == "" {
		return f, errors.New("-phone is required")
	}
	if withCode && f.code == "" {
		return f, errors.New("-code is required")
	}
	return f, nil
}

func sendOTP(ctx context.Context, c *app.Client, args []string, out io.Writer) error {
	f, err := parseFlags("send-otp", args, true, false)
	if err != nil {
		return err
	}
	action, err := otp.ParseAction(f.action)
	if err != nil {
		return err
	}
	res, err := c.Account().RequestOTP(ctx, f.phone, action)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "code sent, resend available in %ds\n", res.RemainingSeconds)
	return nil
}

func login(ctx context.Context, c *app.Client, args []string, out io.Writer) error {
	f, err := parseFlags("login", args, false, true)
	if err != nil {
		return err
	}
	if err := c.Account().Login(ctx, f.phone, f.code); err != nil {
		return err
	}
	fmt.Fprintln(out, "signed in")
	return nil
}

func me(ctx context.Context, c *app.Client, out io.Writer) error {
	p, err := c.Account().Profile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "id:     %s\nphone:  %s\nname:   %s\npoints: %d\ntier:   %s\n", p.ID, p.Phone, p.Name, p.Points, p.Tier)
	return nil
}

func countdown(ctx context.Context, c *app.Client, args []string, out io.Writer) error {
	f, err := parseFlags("countdown", args, true, false)
	if err != nil {
		return err
	}
	action, err := otp.ParseAction(f.action)
	if err != nil {
		return err
	}

	cd := c.Account().Countdown(f.phone, action)
	defer cd.Stop()
	for n := range cd.Start(ctx) {
		if n == 0 {
			fmt.Fprintln(out, "resend available")
			return nil
		}
		fmt.Fprintf(out, "resend in %ds\n", n)
	}
	return ctx.Err()
}

func deleteAccount(ctx context.Context, c *app.Client, args []string, out io.Writer) error {
	f, err := parseFlags("delete-account", args, false, true)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := c.Account().DeleteAccount(ctx, f.phone, f.code); err != nil {
		return err
	}
	fmt.Fprintln(out, "account deleted")
	return nil
}
