package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/replicate/go/logging"
	"github.com/replicate/go/must"
)

var logger = logging.New("cog-webhook")

type Config struct {
	Addr string `ff:"long: addr, default: :5150, usage: listen address"`
}

// delivery is the subset of a prediction webhook worth printing.
type delivery struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

func handle(w http.ResponseWriter, r *http.Request) {
	log := logger.Sugar()
	body := must.Get(io.ReadAll(r.Body))
	var d delivery
	if err := json.Unmarshal(body, &d); err == nil && d.ID != "" {
		log.Infow("webhook received", "method", r.Method, "path", r.URL.Path, "id", d.ID, "status", d.Status, "error", d.Error, "traceparent", r.Header.Get("traceparent"))
	} else {
		log.Infow("request received", "method", r.Method, "path", r.URL.Path, "content_type", r.Header.Get("Content-Type"), "bytes", len(body))
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		must.Get(fmt.Fprintln(os.Stdout, pretty.String()))
	}
	w.WriteHeader(http.StatusOK)
}

func main() {
	log := logger.Sugar()

	var cfg Config
	flags := ff.NewFlagSet("webhook")
	must.Do(flags.AddStruct(&cfg))

	cmd := &ff.Command{
		Name:  "webhook",
		Usage: "webhook [FLAGS]",
		Flags: flags,
		Exec: func(ctx context.Context, args []string) error {
			mux := http.NewServeMux()
			mux.HandleFunc("/", handle)
			log.Infow("listening", "addr", cfg.Addr)
			s := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			return s.ListenAndServe()
		},
	}
	err := cmd.ParseAndRun(context.Background(), os.Args[1:])
	switch {
	case errors.Is(err, ff.ErrHelp):
		must.Get(fmt.Fprintln(os.Stderr, ffhelp.Command(cmd)))
		os.Exit(1)
	case err != nil:
		log.Error(err)
		os.Exit(1)
	}
}
