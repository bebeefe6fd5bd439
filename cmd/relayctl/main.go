package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/automerge/automerge-go"
	"github.com/docopt/docopt-go"

	"github.com/astromechza/docrelay/pkg/viz"
)

const RelayCtlVersion = "0.1.0"

func main() {
	if err := mainInner(os.Args[1:]); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner(args []string) error {
	usage := `Relay control.

Reads the in-memory state of a running relay. The default url is http://127.0.0.1:8080.

Usage:
    relayctl rooms [--url=<url>]
    relayctl users [--url=<url>] <room>
    relayctl snapshot [--url=<url>] <room> <file>
    relayctl history [--url=<url>] [--path=<key>] (<room> | --file=<file>)

Options:
    -h --help         Show this screen.
    --version         Show version.
    --url=<url>       Base url of the relay [default: http://127.0.0.1:8080].
    --path=<key>      Root key whose value is printed for each change.
    --file=<file>     Read a saved snapshot instead of fetching one.`

	opts, err := docopt.ParseArgs(usage, args, RelayCtlVersion)
	if err != nil {
		return err
	}
	baseUrlRaw, _ := opts.String("--url")
	baseUrl, err := url.Parse(baseUrlRaw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}

	if rooms, _ := opts.Bool("rooms"); rooms {
		return printJSON(baseUrl.JoinPath("rooms"))
	} else if users, _ := opts.Bool("users"); users {
		room, _ := opts.String("<room>")
		return printJSON(baseUrl.JoinPath("rooms", room, "users"))
	} else if snapshot, _ := opts.Bool("snapshot"); snapshot {
		room, _ := opts.String("<room>")
		file, _ := opts.String("<file>")
		raw, err := fetch(baseUrl.JoinPath("rooms", room, "latest"))
		if err != nil {
			return err
		}
		if err := os.WriteFile(file, raw, 0o644); err != nil {
			return fmt.Errorf("failed to write snapshot: %w", err)
		}
		slog.Info("saved snapshot", "room", room, "file", file, "bytes", len(raw))
		return nil
	} else if history, _ := opts.Bool("history"); history {
		var raw []byte
		if file, _ := opts.String("--file"); file != "" {
			if raw, err = os.ReadFile(file); err != nil {
				return fmt.Errorf("failed to read input file: %w", err)
			}
		} else {
			room, _ := opts.String("<room>")
			if raw, err = fetch(baseUrl.JoinPath("rooms", room, "latest")); err != nil {
				return err
			}
		}
		doc, err := automerge.Load(raw)
		if err != nil {
			return fmt.Errorf("failed to load doc: %w", err)
		}
		slog.Info("loaded heads", "heads", doc.Heads())
		var nodePath []interface{}
		if key, _ := opts.String("--path"); key != "" {
			nodePath = []interface{}{key}
		}
		return viz.WriteDot(doc, nodePath, os.Stdout)
	}
	return nil
}

func fetch(u *url.URL) ([]byte, error) {
	resp, err := http.DefaultClient.Get(u.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("no such room")
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	return raw, nil
}

func printJSON(u *url.URL) error {
	raw, err := fetch(u)
	if err != nil {
		return err
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
