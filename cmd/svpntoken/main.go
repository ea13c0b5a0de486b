// Command svpntoken выпускает bearer-токен вызывающего аккаунта для API леджера.
//
//	svpntoken -s <secret> -account 0x... [-ttl 24h]
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mmeshcher/svpn-ledger/internal/middleware"
	"github.com/mmeshcher/svpn-ledger/internal/validation"
)

type options struct {
	Secret  string `env:"AUTH_SECRET"`
	Account string
	TTL     time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "svpntoken:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var opts options
	if err := env.Parse(&opts); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("svpntoken", flag.ContinueOnError)
	fs.StringVar(&opts.Secret, "s", opts.Secret, "HMAC secret shared with svpnd")
	fs.StringVar(&opts.Account, "account", "", "account address placed into the token subject")
	fs.DurationVar(&opts.TTL, "ttl", 0, "token lifetime, zero means no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if opts.Secret == "" {
		return errors.New("secret is required")
	}

	account, err := validation.ParseAddress(opts.Account)
	if err != nil {
		return fmt.Errorf("account: %w", err)
	}

	token, err := middleware.NewAuthMiddleware(opts.Secret).IssueToken(account, opts.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
