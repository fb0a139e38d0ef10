package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"github.com/gorilla/mux"

	"github.com/sketch0395/un-dashboard-sub001/collab"
)

const LocalVersion = "0.0.0-local"

func main() {
	usage := `Collaboration server.

Serves the websocket collaboration endpoint for shared scan editing,
backed by a sqlite resource store.

Usage:
    collabd serve [--port=<port>] [--db=<db>] [--secret=<secret>]
        [--strict_locks]

Options:
    -h --help            Show this screen.
    --version            Show version.
    -p --port=<port>     Listen port [default: 8080].
    --db=<db>            Sqlite database path [default: collab.sqlite3].
    --secret=<secret>    HMAC secret for identity tokens. Falls back to
                         the COLLAB_SECRET environment variable.
    --strict_locks       Reject device updates from non lock holders.`

	// glog writes to stderr like the rest of the server output
	flag.Set("logtostderr", "true")

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	}
}

func serve(opts docopt.Opts) {
	port, _ := opts.Int("--port")
	dbPath, _ := opts.String("--db")
	strictLocks, _ := opts.Bool("--strict_locks")

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		secret = os.Getenv("COLLAB_SECRET")
	}
	if secret == "" {
		fmt.Fprintln(os.Stderr, "a token secret is required (--secret or COLLAB_SECRET)")
		os.Exit(1)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := collab.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	store, err := collab.NewSqliteStore(dbPath)
	if err != nil {
		panic(err)
	}
	defer store.Close()

	authoritySettings := collab.DefaultAuthoritySettings()
	authoritySettings.StrictLockUpdates = strictLocks
	authority := collab.NewAuthority(ctx, store, authoritySettings)
	defer authority.Close()

	service := collab.NewServiceWithDefaults(
		ctx,
		authority,
		store,
		collab.NewHmacIdentityVerifier([]byte(secret)),
	)

	router := mux.NewRouter()
	service.AttachRoutes(router)
	router.Handle("/status", &Status{authority: authority})

	fmt.Printf("collabd %s on *:%d\n", RequireVersion(), port)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			fmt.Printf("serve error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	// ctx is already done here. drain in-flight requests on a fresh
	// deadline instead.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	server.Shutdown(shutdownCtx)
}

type Status struct {
	authority *collab.Authority
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type StatusResult struct {
		Version  string `json:"version"`
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}

	result := &StatusResult{
		Version:  RequireVersion(),
		Status:   "ok",
		Sessions: self.authority.SessionCount(),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("COLLAB_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
