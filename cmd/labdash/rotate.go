package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/HerbHall/labdash/internal/vault"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func runRotateKey(ctx context.Context, cmd *cli.Command) error {
	a, err := bootstrap(ctx, cmd.String("config"))
	if err != nil {
		return err
	}
	defer a.close()

	svc, err := a.services()
	if err != nil {
		return err
	}
	newKey, err := loadOrGenerateKey(cmd.String("new-key-file"))
	if err != nil {
		return err
	}

	rot, err := a.vault.Rotate(newKey)
	if err != nil {
		return fmt.Errorf("start rotation: %w", err)
	}
	n, err := svc.RotateKey(ctx, rot)
	if err != nil {
		return fmt.Errorf("rotate key: %w", err)
	}
	if a.v.GetString("vault.passphrase") != "" {
		a.logger.Warn("vault uses a passphrase; point vault.key_file at the new key file and unset the passphrase",
			zap.String("new_key_file", cmd.String("new-key-file")),
		)
	}
	_, err = fmt.Fprintf(cmd.Root().Writer, "re-encrypted credentials for %d services\n", n)
	return err
}

func loadOrGenerateKey(path string) ([]byte, error) {
	key, err := vault.ReadKeyFile(path)
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if key, err = vault.GenerateKey(); err != nil {
		return nil, err
	}
	if err := vault.WriteKeyFile(path, key); err != nil {
		return nil, err
	}
	return key, nil
}
