package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/aura/api"
	"github.com/ruteri/aura/cmd/flags"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "auractl",
		Usage: "Drive a running aura agent",
		Flags: []cli.Flag{flags.AgentURLFlag},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "Show the account as the agent sees it",
				Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) { return c.Status(ctx) }),
			},
			{
				Name:   "bootstrap",
				Usage:  "Create a 1-of-1 account on this device",
				Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) { return c.Bootstrap(ctx) }),
			},
			{
				Name:      "genesis",
				Usage:     "Run distributed key generation with other devices",
				ArgsUsage: "DEVICE...",
				Flags:     []cli.Flag{&cli.UintFlag{Name: "threshold", Usage: "signing threshold; zero picks a majority"}},
				Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
					return c.Genesis(ctx, api.GenesisRequest{Devices: cCtx.Args().Slice(), Threshold: uint16(cCtx.Uint("threshold"))})
				}),
			},
			devicesCommand,
			{
				Name:   "refresh",
				Usage:  "Refresh every holder's share without changing the group key",
				Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) { return c.Refresh(ctx) }),
			},
			{
				Name:      "sign",
				Usage:     "Produce a threshold signature",
				ArgsUsage: "MESSAGE",
				Flags:     []cli.Flag{&cli.BoolFlag{Name: "hex", Usage: "MESSAGE is 0x-prefixed hex"}},
				Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
					msg, err := bytesArg(cCtx, 0, cCtx.Bool("hex"))
					if err != nil {
						return nil, err
					}
					return c.Sign(ctx, msg)
				}),
			},
			{
				Name:      "derive",
				Usage:     "Derive an application identity",
				ArgsUsage: "APP [CONTEXT]",
				Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
					if cCtx.NArg() < 1 {
						return nil, errors.New("missing APP")
					}
					return c.Derive(ctx, cCtx.Args().Get(0), []byte(cCtx.Args().Get(1)))
				}),
			},
			{
				Name:   "derived",
				Usage:  "List derived identities",
				Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) { return c.ListDerived(ctx) }),
			},
			guardiansCommand,
			recoveryCommand,
			{
				Name:  "sync",
				Usage: "Run an anti-entropy round",
				Flags: []cli.Flag{&cli.StringFlag{Name: "peer", Usage: "sync with this peer only"}},
				Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
					return c.Sync(ctx, cCtx.String("peer"))
				}),
			},
			{
				Name:   "backup",
				Usage:  "Archive a journal snapshot",
				Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) { return c.Backup(ctx) }),
			},
			{
				Name:      "restore",
				Usage:     "Merge an archived snapshot into the journal",
				ArgsUsage: "CID",
				Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
					return c.Restore(ctx, cCtx.Args().First())
				}),
			},
			channelsCommand,
			descriptorsCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type clientAction func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error)

// withClient runs fn against the agent and prints its result as JSON.
func withClient(fn clientAction) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		c := api.NewClient(cCtx.String(flags.AgentURLFlag.Name))
		out, err := fn(cCtx.Context, c, cCtx)
		if err != nil {
			return err
		}
		if out == nil {
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
}

func bytesArg(cCtx *cli.Context, i int, isHex bool) ([]byte, error) {
	if cCtx.NArg() <= i {
		return nil, fmt.Errorf("missing argument %d", i+1)
	}
	arg := cCtx.Args().Get(i)
	if !isHex {
		return []byte(arg), nil
	}
	if !strings.HasPrefix(arg, "0x") {
		arg = "0x" + arg
	}
	return hexutil.Decode(arg)
}
