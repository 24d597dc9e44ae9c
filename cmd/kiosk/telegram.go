package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"kiosk/internal/telegram"
)

var telegramCmd = &cobra.Command{
	Use:   "telegram",
	Short: "Telegram notification helpers",
}

var telegramTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Send a test message with the configured bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if !cfg.Telegram.Enabled {
			return errors.New("telegram is not enabled (telegram.enabled or KIOSK_TELEGRAM_ENABLED)")
		}
		bot, err := telegram.NewBot(cfg.Telegram)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := bot.SendTestMessage(ctx); err != nil {
			return err
		}
		fmt.Println("Test message sent")
		return nil
	},
}

func init() {
	telegramCmd.AddCommand(telegramTestCmd)
	rootCmd.AddCommand(telegramCmd)
}
