package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/sketch0395/un-dashboard-sub001/collab"
)

const CollabCtlVersion = "0.0.1"

const DefaultCollabUrl = "ws://127.0.0.1:8080"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Collaboration control.

The default collaboration url is:
    url: %s

Usage:
    collabctl mint-token --user=<user> [--username=<username>]
        [--secret=<secret>] [--duration=<duration>]
    collabctl watch <scan_id> [--url=<url>] [--token=<token>]
    collabctl lock <scan_id> <device_id> [--hold=<hold>]
        [--url=<url>] [--token=<token>]
    collabctl update <scan_id> <device_id> (--set=<field_value>)...
        [--url=<url>] [--token=<token>]
    collabctl update-scan <scan_id> (--set=<field_value>)...
        [--url=<url>] [--token=<token>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>
    --token=<token>        Identity token. Falls back to COLLAB_TOKEN.
    --secret=<secret>      HMAC secret. Falls back to COLLAB_SECRET,
                           then to an interactive prompt.
    --duration=<duration>  Token lifetime [default: 24h].
    --hold=<hold>          How long to hold the lock [default: 30s].
    --set=<field_value>    A field=value change, repeatable.`,
		DefaultCollabUrl,
	)

	flag.Set("logtostderr", "true")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CollabCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if lock_, _ := opts.Bool("lock"); lock_ {
		lock(opts)
	} else if update_, _ := opts.Bool("update"); update_ {
		update(opts)
	} else if updateScan_, _ := opts.Bool("update-scan"); updateScan_ {
		updateScan(opts)
	}
}

func mintToken(opts docopt.Opts) {
	userId, _ := opts.String("--user")
	username := userId
	if usernameAny := opts["--username"]; usernameAny != nil {
		username = usernameAny.(string)
	}
	durationStr, _ := opts.String("--duration")
	duration, err := time.ParseDuration(durationStr)
	if err != nil {
		panic(err)
	}

	token, err := collab.MintIdentityToken(
		requireSecret(opts),
		&collab.Identity{
			UserId:   userId,
			Username: username,
		},
		duration,
	)
	if err != nil {
		panic(err)
	}
	Out.Printf("%s\n", token)
}

func watch(opts docopt.Opts) {
	ctx, client := connectClient(opts)

	client.AddStatusCallback(func(status collab.ConnectionStatus) {
		Out.Printf("status: %s\n", status)
	})
	mirror := client.Mirror()
	mirror.AddRosterCallback(func(collaborators []*collab.Collaborator) {
		names := []string{}
		for _, collaborator := range collaborators {
			names = append(names, collaborator.Username)
		}
		Out.Printf("collaborators: [%s] (version %d)\n", strings.Join(names, ", "), mirror.Version())
	})
	mirror.AddLockCallback(func(locks []*collab.DeviceLock) {
		for _, lock := range locks {
			Out.Printf("lock: %s held by %s\n", lock.DeviceId, lock.Username)
		}
		if len(locks) == 0 {
			Out.Printf("locks: none\n")
		}
	})
	mirror.AddUpdateCallback(func(update *collab.RemoteUpdate) {
		if update.DeviceId == "" {
			Out.Printf("scan updated by %s (version %d): %v\n", update.Username, update.Version, update.Changes)
		} else {
			Out.Printf("device %s updated by %s (version %d): %v\n", update.DeviceId, update.Username, update.Version, update.Changes)
		}
	})

	select {
	case <-ctx.Done():
	}
	client.Close()
}

func lock(opts docopt.Opts) {
	deviceId, _ := opts.String("<device_id>")
	holdStr, _ := opts.String("--hold")
	hold, err := time.ParseDuration(holdStr)
	if err != nil {
		panic(err)
	}

	ctx, client := connectClient(opts)
	defer client.Close()
	waitConnected(ctx, client)

	result, err := client.LockDevice(ctx, deviceId)
	if err != nil {
		Err.Fatalf("lock error: %s", err)
	}
	if !result.Granted {
		Err.Fatalf("lock denied: %s", result.Reason)
	}
	Out.Printf("locked %s, holding for %s\n", deviceId, hold)

	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}

	client.UnlockDevice(deviceId)
	Out.Printf("unlocked %s\n", deviceId)
	// let the unlock flush before closing the channel
	time.Sleep(200 * time.Millisecond)
}

func update(opts docopt.Opts) {
	deviceId, _ := opts.String("<device_id>")
	changes := parseChanges(opts)

	ctx, client := connectClient(opts)
	defer client.Close()
	waitConnected(ctx, client)

	result, err := client.LockDevice(ctx, deviceId)
	if err != nil {
		Err.Fatalf("lock error: %s", err)
	}
	if !result.Granted {
		Err.Fatalf("lock denied: %s", result.Reason)
	}

	echo := make(chan *collab.RemoteUpdate, 1)
	unsub := client.Mirror().AddUpdateCallback(func(update *collab.RemoteUpdate) {
		if update.DeviceId == deviceId && update.UserId == client.Identity().UserId {
			select {
			case echo <- update:
			default:
			}
		}
	})
	defer unsub()

	if err := client.UpdateDevice(deviceId, changes); err != nil {
		Err.Fatalf("update error: %s", err)
	}

	// the server echo is the durable confirmation
	select {
	case <-ctx.Done():
		Err.Fatalf("interrupted before the update was confirmed")
	case update := <-echo:
		Out.Printf("device %s updated (version %d)\n", deviceId, update.Version)
	case <-time.After(10 * time.Second):
		Err.Fatalf("no confirmation for update of %s", deviceId)
	}

	client.UnlockDevice(deviceId)
	time.Sleep(200 * time.Millisecond)
}

func updateScan(opts docopt.Opts) {
	changes := parseChanges(opts)

	ctx, client := connectClient(opts)
	defer client.Close()
	waitConnected(ctx, client)

	echo := make(chan *collab.RemoteUpdate, 1)
	unsub := client.Mirror().AddUpdateCallback(func(update *collab.RemoteUpdate) {
		if update.DeviceId == "" && update.UserId == client.Identity().UserId {
			select {
			case echo <- update:
			default:
			}
		}
	})
	defer unsub()

	if err := client.UpdateScan(changes); err != nil {
		Err.Fatalf("update error: %s", err)
	}

	select {
	case <-ctx.Done():
		Err.Fatalf("interrupted before the update was confirmed")
	case update := <-echo:
		Out.Printf("scan updated (version %d)\n", update.Version)
	case <-time.After(10 * time.Second):
		Err.Fatalf("no confirmation for scan update")
	}
}

func connectClient(opts docopt.Opts) (context.Context, *collab.Client) {
	scanId, _ := opts.String("<scan_id>")

	var collabUrl string
	if urlAny := opts["--url"]; urlAny != nil {
		collabUrl = urlAny.(string)
	} else {
		collabUrl = DefaultCollabUrl
	}

	event := collab.NewEventWithContext(context.Background())
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	ctx := event.Ctx()

	client, err := collab.NewClientWithDefaults(ctx, collabUrl, scanId, requireToken(opts))
	if err != nil {
		panic(err)
	}
	return ctx, client
}

func waitConnected(ctx context.Context, client *collab.Client) {
	connected := make(chan struct{}, 1)
	unsub := client.AddStatusCallback(func(status collab.ConnectionStatus) {
		switch status {
		case collab.ConnectionStatusConnected:
			select {
			case connected <- struct{}{}:
			default:
			}
		case collab.ConnectionStatusClosed:
			Err.Fatalf("could not connect")
		}
	})
	defer unsub()

	if client.ConnectionStatus() == collab.ConnectionStatusConnected {
		return
	}
	select {
	case <-ctx.Done():
		os.Exit(0)
	case <-connected:
	}
}

func parseChanges(opts docopt.Opts) map[string]any {
	changes := map[string]any{}
	if setsAny, ok := opts["--set"].([]string); ok {
		for _, set := range setsAny {
			field, value, found := strings.Cut(set, "=")
			if !found {
				Err.Fatalf("bad --set %q, expected field=value", set)
			}
			changes[field] = value
		}
	}
	if len(changes) == 0 {
		Err.Fatalf("at least one --set is required")
	}
	return changes
}

func requireToken(opts docopt.Opts) string {
	if tokenAny := opts["--token"]; tokenAny != nil {
		return tokenAny.(string)
	}
	if token := os.Getenv("COLLAB_TOKEN"); token != "" {
		return token
	}
	Err.Fatalf("a token is required (--token or COLLAB_TOKEN)")
	return ""
}

func requireSecret(opts docopt.Opts) []byte {
	if secretAny := opts["--secret"]; secretAny != nil {
		return []byte(secretAny.(string))
	}
	if secret := os.Getenv("COLLAB_SECRET"); secret != "" {
		return []byte(secret)
	}
	fmt.Print("Enter secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		panic(err)
	}
	fmt.Printf("\n")
	return secretBytes
}
