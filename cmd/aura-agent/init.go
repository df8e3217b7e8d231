package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/ruteri/aura/config"
	"github.com/ruteri/aura/effects"
	"github.com/ruteri/aura/interfaces"
	"github.com/urfave/cli/v2"
)

var initCommand = &cli.Command{
	Name:  "init",
	Usage: "Write a configuration with a fresh device id",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "out",
			Required: true,
			Usage:    "where to write the configuration",
		},
		&cli.StringFlag{
			Name:  "account",
			Usage: "hex id of the account to join; a new account id is generated when empty",
		},
		&cli.StringFlag{
			Name:  "name",
			Usage: "human readable device name",
		},
		&cli.StringFlag{
			Name:  "data-dir",
			Value: "/var/lib/aura",
			Usage: "directory for the journal and sealed keys",
		},
		&cli.BoolFlag{
			Name:  "guardian",
			Usage: "configure the agent as a guardian",
		},
		&cli.BoolFlag{
			Name:  "force",
			Usage: "overwrite an existing file",
		},
	},
	Action: func(cCtx *cli.Context) error {
		cfg, err := newAgentConfig(cCtx.String("account"), cCtx.String("name"), cCtx.String("data-dir"), cCtx.Bool("guardian"), effects.SystemRandom{})
		if err != nil {
			return err
		}

		out := cCtx.String("out")
		mode := os.O_WRONLY | os.O_CREATE | os.O_EXCL
		if cCtx.Bool("force") {
			mode = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		}
		f, err := os.OpenFile(out, mode, 0o600)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", out, err)
		}
		defer f.Close()
		if err := writeConfig(f, cfg); err != nil {
			return err
		}
		fmt.Printf("account %s\ndevice  %s\n", cfg.Agent.AccountID, cfg.Agent.DeviceID)
		return nil
	},
}

// newAgentConfig returns the default configuration for a new device of
// account, or of a new account when account is empty.
func newAgentConfig(account, name, dataDir string, guardian bool, rand interfaces.Random) (config.Config, error) {
	cfg := config.Default()

	if account == "" {
		var id interfaces.AccountID
		if _, err := io.ReadFull(rand, id[:]); err != nil {
			return cfg, err
		}
		account = id.String()
	} else if _, err := interfaces.NewAccountIDFromHex(account); err != nil {
		return cfg, err
	}
	var device interfaces.DeviceID
	if _, err := io.ReadFull(rand, device[:]); err != nil {
		return cfg, err
	}
	if dataDir == "" {
		return cfg, errors.New("data directory is required")
	}

	cfg.Agent.AccountID = account
	cfg.Agent.DeviceID = device.String()
	cfg.Agent.Name = name
	cfg.Agent.Guardian = guardian
	cfg.Agent.DataDir = dataDir
	cfg.Storage.LevelDB = filepath.Join(dataDir, "journal")
	cfg.Storage.Secure = "file://" + filepath.Join(dataDir, "keys")
	return cfg, cfg.Validate()
}

func writeConfig(w io.Writer, cfg config.Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	return nil
}
