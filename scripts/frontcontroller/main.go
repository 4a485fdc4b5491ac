// Frontcontroller is a stand-in application server for trying out the proxy.
// It answers every request the way a PHP style front controller would see
// it: the script, the path-info and the decoded form fields.
//
// Usage:
//
//	go run ./scripts/frontcontroller -port 9000 -name admin
//
// Paths under /redirect/ answer with a Location header pointing at the
// internal script path, which the proxy is expected to rewrite.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Invocation is what the application saw for one request.
type Invocation struct {
	ID         string              `json:"id"`
	App        string              `json:"app"`
	Method     string              `json:"method"`
	Script     string              `json:"script"`
	PathInfo   string              `json:"path_info"`
	Prefix     string              `json:"prefix"`
	RequestID  string              `json:"request_id"`
	Fields     map[string][]string `json:"fields"`
	ForwardFor string              `json:"forwarded_for"`
}

func main() {
	port := flag.Int("port", 9000, "port to listen on")
	name := flag.String("name", "app", "application name echoed in responses")
	pathInfoHeader := flag.String("path-info-header", "X-Path-Info", "header carrying path-info")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stdout, nil)).With(slog.String("app", *name))

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		inv := Invocation{
			ID:         uuid.NewString(),
			App:        *name,
			Method:     r.Method,
			Script:     r.URL.Path,
			PathInfo:   r.Header.Get(*pathInfoHeader),
			Prefix:     r.Header.Get("X-Forwarded-Prefix"),
			RequestID:  r.Header.Get("X-Request-Id"),
			Fields:     r.Form,
			ForwardFor: r.Header.Get("X-Forwarded-For"),
		}

		log.Info("request",
			slog.String("method", inv.Method),
			slog.String("script", inv.Script),
			slog.String("path_info", inv.PathInfo),
			slog.Int("fields", len(inv.Fields)))

		if strings.HasPrefix(inv.PathInfo, "/redirect/") {
			w.Header().Set("Location", inv.Script+"?moved=1")
			w.WriteHeader(http.StatusFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(inv)
	})

	addr := fmt.Sprintf(":%d", *port)
	log.Info("starting front controller", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("server failed", slog.Any("err", err))
		os.Exit(1)
	}
}
