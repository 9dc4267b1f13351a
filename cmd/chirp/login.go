package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/calebgw/chirp/internal/auth"
	"github.com/calebgw/chirp/internal/config"
	"github.com/calebgw/chirp/internal/logging"
	"github.com/calebgw/chirp/internal/wa"
)

const pairTimeout = 2 * time.Minute

func newLoginCmd() *cobra.Command {
	var flagPhone string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Pair this daemon with a WhatsApp account via pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogin(flagPhone)
		},
	}
	cmd.Flags().StringVar(&flagPhone, "phone", "", "Phone number in international format (prompted if omitted)")
	return cmd
}

func runLogin(phone string) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	logger, err := logging.New("warn", true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	authStore, err := auth.NewStore(cfg.AuthDir(), logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), pairTimeout)
	defer cancel()

	client, err := wa.NewMeow(ctx, authStore.SessionPath(), logging.NewWALogger(logger, "WA"))
	if err != nil {
		return err
	}
	defer client.Disconnect()

	if client.IsPaired() {
		fmt.Println("Already paired. Delete the auth directory to pair again.")
		return nil
	}

	if phone == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("no --phone given and stdin is not a terminal")
		}
		fmt.Print("Phone number (international format, digits only): ")
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("read phone number: %w", err)
		}
		phone = strings.TrimSpace(line)
	}
	if phone == "" {
		return fmt.Errorf("phone number is required")
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("connect for pairing: %w", err)
	}

	code, err := client.PairPhone(ctx, phone)
	if err != nil {
		return err
	}
	fmt.Printf("Pairing code: %s\n", code)
	fmt.Println("Enter it on your phone under Linked Devices > Link with phone number.")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing timed out")
		case <-ticker.C:
			if client.IsLoggedIn() {
				fmt.Println("Paired successfully.")
				return nil
			}
		}
	}
}
