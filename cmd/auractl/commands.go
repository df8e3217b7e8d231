package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ruteri/aura/api"
	"github.com/urfave/cli/v2"
)

var devicesCommand = &cli.Command{
	Name:  "devices",
	Usage: "Enroll and remove devices",
	Subcommands: []*cli.Command{
		{
			Name:      "enroll",
			Usage:     "Reshare the key to include a new device",
			ArgsUsage: "DEVICE SIGNING_KEY",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "name", Usage: "device name"},
				&cli.UintFlag{Name: "threshold", Usage: "threshold of the enlarged holder set; zero picks a majority"},
			},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				key, err := bytesArg(cCtx, 1, true)
				if err != nil {
					return nil, err
				}
				return c.Enroll(ctx, api.EnrollRequest{
					Device:     cCtx.Args().First(),
					Name:       cCtx.String("name"),
					SigningKey: key,
					Threshold:  uint16(cCtx.Uint("threshold")),
				})
			}),
		},
		{
			Name:      "remove",
			Usage:     "Reshare the key without a device",
			ArgsUsage: "DEVICE",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "reason", Value: "removed by operator"}},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				return c.Remove(ctx, cCtx.Args().First(), cCtx.String("reason"))
			}),
		},
	},
}

var guardiansCommand = &cli.Command{
	Name:  "guardians",
	Usage: "Show or replace the account's guardians",
	Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) {
		return c.RecoveryPolicy(ctx)
	}),
	Subcommands: []*cli.Command{
		{
			Name:      "set",
			Usage:     "Split the account secret among the guardians listed in FILE",
			ArgsUsage: "FILE",
			Flags:     []cli.Flag{&cli.UintFlag{Name: "threshold", Usage: "guardians needed to recover; zero picks a majority"}},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				guardians, err := loadGuardians(cCtx.Args().First())
				if err != nil {
					return nil, err
				}
				return c.SetGuardians(ctx, api.SetGuardiansRequest{Guardians: guardians, Threshold: uint16(cCtx.Uint("threshold"))})
			}),
		},
	},
}

// loadGuardians reads a JSON array of guardians.
func loadGuardians(path string) ([]api.GuardianInfo, error) {
	if path == "" {
		return nil, errors.New("missing FILE")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var guardians []api.GuardianInfo
	if err := json.Unmarshal(data, &guardians); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return guardians, nil
}

var recoveryCommand = &cli.Command{
	Name:  "recovery",
	Usage: "Recover the account through its guardians",
	Subcommands: []*cli.Command{
		{
			Name:  "start",
			Usage: "File a recovery request for this device and collect approvals",
			Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) {
				return c.Recover(ctx)
			}),
		},
		{
			Name:      "status",
			ArgsUsage: "REQUEST",
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				return c.RecoveryStatus(ctx, cCtx.Args().First())
			}),
		},
		{
			Name:      "complete",
			Usage:     "Take over the account once the request is ready",
			ArgsUsage: "REQUEST",
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				return c.CompleteRecovery(ctx, cCtx.Args().First())
			}),
		},
		{
			Name:      "dispute",
			ArgsUsage: "REQUEST",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "reason", Required: true},
				&cli.BoolFlag{Name: "critical", Usage: "block the request outright"},
			},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				return c.DisputeRecovery(ctx, cCtx.Args().First(), api.DisputeRequest{Reason: cCtx.String("reason"), Critical: cCtx.Bool("critical")})
			}),
		},
		{
			Name:      "resolve",
			ArgsUsage: "REQUEST",
			Flags:     []cli.Flag{&cli.BoolFlag{Name: "uphold", Usage: "keep the disputes in force instead of dismissing them"}},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				return c.ResolveRecovery(ctx, cCtx.Args().First(), cCtx.Bool("uphold"))
			}),
		},
		{
			Name:      "cancel",
			ArgsUsage: "REQUEST",
			Flags:     []cli.Flag{&cli.StringFlag{Name: "reason"}},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				return c.CancelRecovery(ctx, cCtx.Args().First(), cCtx.String("reason"))
			}),
		},
	},
}

var channelFlags = []cli.Flag{
	&cli.StringFlag{Name: "context", Required: true, Usage: "hex context id"},
	&cli.StringFlag{Name: "channel", Required: true, Usage: "hex channel id"},
	&cli.StringFlag{Name: "psk", Usage: "0x-prefixed pre-shared key"},
}

func channelRequest(cCtx *cli.Context) (api.ChannelRequest, error) {
	req := api.ChannelRequest{Context: cCtx.String("context"), Channel: cCtx.String("channel")}
	if psk := cCtx.String("psk"); psk != "" {
		raw, err := hexutil.Decode(psk)
		if err != nil {
			return req, fmt.Errorf("psk: %w", err)
		}
		req.PSK = raw
	}
	return req, nil
}

var channelsCommand = &cli.Command{
	Name:  "channels",
	Usage: "Exchange messages over AMP channels",
	Subcommands: []*cli.Command{
		{
			Name:  "create",
			Flags: append([]cli.Flag{&cli.UintFlag{Name: "skip-window"}}, channelFlags...),
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				req, err := channelRequest(cCtx)
				if err != nil {
					return nil, err
				}
				req.SkipWindow = uint32(cCtx.Uint("skip-window"))
				return nil, c.CreateChannel(ctx, req)
			}),
		},
		{
			Name:  "join",
			Flags: channelFlags,
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				req, err := channelRequest(cCtx)
				if err != nil {
					return nil, err
				}
				return nil, c.JoinChannel(ctx, req)
			}),
		},
		{
			Name:  "leave",
			Flags: channelFlags,
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				req, err := channelRequest(cCtx)
				if err != nil {
					return nil, err
				}
				return nil, c.LeaveChannel(ctx, req)
			}),
		},
		{
			Name:      "send",
			ArgsUsage: "PEER MESSAGE",
			Flags:     channelFlags,
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				if cCtx.NArg() < 2 {
					return nil, errors.New("usage: send PEER MESSAGE")
				}
				return nil, c.SendMessage(ctx, api.SendMessageRequest{
					Peer:    cCtx.Args().Get(0),
					Context: cCtx.String("context"),
					Channel: cCtx.String("channel"),
					Body:    []byte(cCtx.Args().Get(1)),
				})
			}),
		},
		{
			Name:  "receive",
			Usage: "Print the messages waiting in the agent's inbox",
			Action: withClient(func(ctx context.Context, c *api.Client, _ *cli.Context) (any, error) {
				return c.ReceiveMessages(ctx)
			}),
		},
	},
}

// parseHint reads KIND=ADDRESS, e.g. tcp=10.0.0.2:7400 or ws-relay=wss://relay.example/relay.
func parseHint(s string) (api.TransportHintInfo, error) {
	kind, value, ok := strings.Cut(s, "=")
	if !ok || value == "" {
		return api.TransportHintInfo{}, fmt.Errorf("hint %q is not KIND=ADDRESS", s)
	}
	if kind == "ws-relay" {
		return api.TransportHintInfo{Kind: kind, Relay: value}, nil
	}
	return api.TransportHintInfo{Kind: kind, Addr: value}, nil
}

func pskFlag(cCtx *cli.Context) (hexutil.Bytes, error) {
	raw, err := hexutil.Decode(cCtx.String("psk"))
	if err != nil {
		return nil, fmt.Errorf("psk: %w", err)
	}
	return raw, nil
}

var descriptorsCommand = &cli.Command{
	Name:  "descriptors",
	Usage: "Publish and look up rendezvous descriptors",
	Subcommands: []*cli.Command{
		{
			Name:  "publish",
			Usage: "Advertise how peers in a context can reach this device",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "context", Required: true, Usage: "hex context id"},
				&cli.StringFlag{Name: "psk", Required: true, Usage: "0x-prefixed pre-shared key"},
				&cli.StringSliceFlag{Name: "hint", Required: true, Usage: "KIND=ADDRESS with KIND one of quic, tcp, ws-relay"},
				&cli.Uint64Flag{Name: "ttl", Value: 3600, Usage: "validity in seconds"},
			},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				psk, err := pskFlag(cCtx)
				if err != nil {
					return nil, err
				}
				var hints []api.TransportHintInfo
				for _, s := range cCtx.StringSlice("hint") {
					h, err := parseHint(s)
					if err != nil {
						return nil, err
					}
					hints = append(hints, h)
				}
				return c.PublishDescriptor(ctx, api.PublishDescriptorRequest{
					Context:    cCtx.String("context"),
					Hints:      hints,
					PSK:        psk,
					TTLSeconds: cCtx.Uint64("ttl"),
				})
			}),
		},
		{
			Name:      "lookup",
			ArgsUsage: "AUTHORITY",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "context", Required: true, Usage: "hex context id"},
				&cli.StringFlag{Name: "psk", Required: true, Usage: "0x-prefixed pre-shared key"},
			},
			Action: withClient(func(ctx context.Context, c *api.Client, cCtx *cli.Context) (any, error) {
				psk, err := pskFlag(cCtx)
				if err != nil {
					return nil, err
				}
				return c.LookupDescriptor(ctx, api.LookupDescriptorRequest{
					Authority: cCtx.Args().First(),
					Context:   cCtx.String("context"),
					PSK:       psk,
				})
			}),
		},
	},
}
