package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/spf13/cobra"

	"github.com/teslashibe/friday/internal/log"
	"github.com/teslashibe/friday/pkg/gmail"
)

var gmailLoginCmd = &cobra.Command{
	Use:   "gmail-login",
	Short: "Authorize Friday to read and send Gmail",
	Long: `Prints the Google consent URL, waits for the OAuth redirect on the
configured redirect URL and stores the token for later runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		client, err := gmail.New(gmail.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RedirectURL:  cfg.Gmail.RedirectURL,
			TokenPath:    cfg.Gmail.TokenPath,
			Logger:       log.L(),
		})
		if err != nil {
			return err
		}

		redirect, err := url.Parse(cfg.Gmail.RedirectURL)
		if err != nil || redirect.Host == "" {
			return fmt.Errorf("invalid redirect URL %q", cfg.Gmail.RedirectURL)
		}

		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()
		return login(ctx, client, redirect)
	},
}

func init() {
	rootCmd.AddCommand(gmailLoginCmd)
}

func login(ctx context.Context, client *gmail.Client, redirect *url.URL) error {
	result := make(chan error, 1)
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Get(redirect.Path, func(c *fiber.Ctx) error {
		var err error
		switch {
		case c.Query("state") != gmail.State:
			err = errors.New("state mismatch")
		case c.Query("error") != "":
			err = fmt.Errorf("consent refused: %s", c.Query("error"))
		default:
			err = client.HandleCallback(c.UserContext(), c.Query("code"))
		}
		select {
		case result <- err:
		default:
		}
		if err != nil {
			return c.Status(fiber.StatusBadRequest).SendString("Authorization failed: " + err.Error())
		}
		return c.SendString("Gmail connected. You can close this window.")
	})

	go func() {
		if err := app.Listen(redirect.Host); err != nil {
			select {
			case result <- fmt.Errorf("callback server: %w", err):
			default:
			}
		}
	}()
	defer app.Shutdown()

	fmt.Println("Open this URL to authorize Gmail access:")
	fmt.Println()
	fmt.Println("  " + client.AuthURL())
	fmt.Println()

	select {
	case err := <-result:
		if err != nil {
			return err
		}
		log.Info("gmail token stored")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
