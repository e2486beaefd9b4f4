package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containerd/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/sys/unix"

	"github.com/mdaffin/loopdev"
	"github.com/mdaffin/loopdev/internal/devlist"
	"github.com/mdaffin/loopdev/internal/preflight"
)

// Version information - set via ldflags at build time
// Example: go build -ldflags "-X main.version=1.0.0 -X main.gitCommit=$(git rev-parse HEAD)"
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "losetup",
		Usage:   "set up and control loop devices",
		Version: fmt.Sprintf("%s (commit: %s)", version, gitCommit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				EnvVars: []string{"LOSETUP_LOG_LEVEL"},
			},
		},
		Before: func(cliCtx *cli.Context) error {
			if err := log.SetLevel(cliCtx.String("log-level")); err != nil {
				return err
			}
			return preflight.Check()
		},
		Commands: []*cli.Command{
			findCommand,
			attachCommand,
			detachCommand,
			setCapacityCommand,
			listCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var findCommand = &cli.Command{
	Name:  "find",
	Usage: "find the next free loop device",
	Action: func(cliCtx *cli.Context) error {
		lc, err := loopdev.OpenControl()
		if err != nil {
			return err
		}
		defer lc.Close()

		ld, err := lc.NextFree()
		if err != nil {
			return err
		}
		defer ld.Close()

		fmt.Println(ld.Path())
		return nil
	},
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "attach a loop device to a backing file",
	ArgsUsage: "<image> [loopdev]",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:    "offset",
			Aliases: []string{"o"},
			Usage:   "the offset within the file to start at",
		},
		&cli.Uint64Flag{
			Name:    "sizelimit",
			Aliases: []string{"s"},
			Usage:   "the device is limited to this size in bytes",
		},
		&cli.BoolFlag{
			Name:    "readonly",
			Aliases: []string{"r"},
			Usage:   "set up a read-only loop device",
		},
		&cli.BoolFlag{
			Name:    "autoclear",
			Aliases: []string{"a"},
			Usage:   "set the autoclear flag",
		},
		&cli.BoolFlag{
			Name:    "partscan",
			Aliases: []string{"p"},
			Usage:   "set the partition-scan flag",
		},
		&cli.BoolFlag{
			Name:  "direct-io",
			Usage: "enable direct I/O on the backing file",
		},
		&cli.BoolFlag{
			Name:    "quiet",
			Aliases: []string{"q"},
			Usage:   "don't print the device name",
		},
	},
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() < 1 {
			return errors.New("missing image argument")
		}
		image := cliCtx.Args().Get(0)

		var (
			ld  *loopdev.LoopDevice
			err error
		)
		if cliCtx.NArg() > 1 {
			ld, err = attachDevice(cliCtx, image, cliCtx.Args().Get(1))
		} else {
			ld, err = attachFree(cliCtx, image)
		}
		if err != nil {
			return err
		}
		defer ld.Close()

		if !cliCtx.Bool("quiet") {
			fmt.Println(ld.Path())
		}
		return nil
	},
}

// attachDevice attaches the image to an explicitly named device.
func attachDevice(cliCtx *cli.Context, image, device string) (*loopdev.LoopDevice, error) {
	ld, err := loopdev.OpenDevice(device)
	if err != nil {
		return nil, err
	}
	if err := attachOptions(cliCtx, ld).Attach(image); err != nil {
		ld.Close()
		return nil, err
	}
	return ld, nil
}

// attachFree allocates a free device and attaches the image to it.
// Allocation races with other processes: a concurrent attach to the
// same index fails with EBUSY, in which case a freshly allocated
// device is tried instead.
func attachFree(cliCtx *cli.Context, image string) (*loopdev.LoopDevice, error) {
	lc, err := loopdev.OpenControl()
	if err != nil {
		return nil, err
	}
	defer lc.Close()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	var ld *loopdev.LoopDevice
	op := func() error {
		dev, err := lc.NextFree()
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := attachOptions(cliCtx, dev).Attach(image); err != nil {
			path := dev.Path()
			dev.Close()
			if errors.Is(err, unix.EBUSY) {
				log.L.WithError(err).Debugf("lost %s to a concurrent attach, retrying", path)
				return err
			}
			return backoff.Permanent(err)
		}
		ld = dev
		return nil
	}
	if err := backoff.Retry(op, backoff.WithMaxRetries(policy, 10)); err != nil {
		return nil, err
	}
	return ld, nil
}

func attachOptions(cliCtx *cli.Context, ld *loopdev.LoopDevice) *loopdev.AttachOptions {
	return ld.WithOptions().
		Offset(cliCtx.Uint64("offset")).
		SizeLimit(cliCtx.Uint64("sizelimit")).
		ReadOnly(cliCtx.Bool("readonly")).
		Autoclear(cliCtx.Bool("autoclear")).
		PartScan(cliCtx.Bool("partscan")).
		DirectIO(cliCtx.Bool("direct-io"))
}

var detachCommand = &cli.Command{
	Name:      "detach",
	Usage:     "detach a loop device from its backing file",
	ArgsUsage: "<loopdev|backing-file>",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() < 1 {
			return errors.New("missing device argument")
		}
		target := cliCtx.Args().First()

		// Accept a backing file path as well as a device node.
		if e, err := devlist.Find(target); err == nil && e != nil {
			target = e.Name
		}

		ld, err := loopdev.OpenDevice(target)
		if err != nil {
			return err
		}
		defer ld.Close()
		return ld.Detach()
	},
}

var setCapacityCommand = &cli.Command{
	Name:      "setcapacity",
	Usage:     "inform the loop driver of a change in size of the backing file",
	ArgsUsage: "<loopdev>",
	Action: func(cliCtx *cli.Context) error {
		if cliCtx.NArg() < 1 {
			return errors.New("missing device argument")
		}
		ld, err := loopdev.OpenDevice(cliCtx.Args().First())
		if err != nil {
			return err
		}
		defer ld.Close()
		return ld.SetCapacity()
	},
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list the available loop devices",
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:    "free",
			Aliases: []string{"f"},
			Usage:   "list only free devices",
		},
		&cli.BoolFlag{
			Name:    "used",
			Aliases: []string{"u"},
			Usage:   "list only used devices",
		},
	},
	Action: func(cliCtx *cli.Context) error {
		entries, err := devlist.List(devlist.ListOptions{
			OnlyFree: cliCtx.Bool("free"),
			OnlyUsed: cliCtx.Bool("used"),
		})
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 1, 8, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tOFFSET\tSIZELIMIT\tBACK-FILE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", e.Name, e.Offset, e.SizeLimit, e.BackingFile)
		}
		return w.Flush()
	},
}
