// Command nooterra-verify replays hash chains and artifacts offline.
//
//	nooterra-verify chain -events events.json [-keys keys.json]
//	nooterra-verify artifact -file artifact.json
//
// Exit code 0 means everything verified; 1 means a verification failure;
// 2 means bad usage or unreadable input.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/nooterra/nooterra/pkg/artifacts"
	"github.com/nooterra/nooterra/pkg/events"
	"github.com/nooterra/nooterra/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; tests call it directly.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}
	switch args[1] {
	case "chain":
		return runChain(args[2:], stdout, stderr)
	case "artifact":
		return runArtifact(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: nooterra-verify <chain|artifact> [flags]")
	fmt.Fprintln(w, "  chain    -events <file> [-keys <file>]  replay an event chain")
	fmt.Fprintln(w, "  artifact -file <file>                   recompute an artifact hash")
}

func runChain(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("chain", flag.ContinueOnError)
	fs.SetOutput(stderr)
	eventsPath := fs.String("events", "", "JSON array of chain events")
	keysPath := fs.String("keys", "", "JSON object of keyId -> public key PEM")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *eventsPath == "" {
		fmt.Fprintln(stderr, "chain requires -events")
		return 2
	}

	var chain []*events.Event
	if err := readJSON(*eventsPath, &chain); err != nil {
		fmt.Fprintf(stderr, "read events: %v\n", err)
		return 2
	}
	var keys map[string]string
	if *keysPath != "" {
		if err := readJSON(*keysPath, &keys); err != nil {
			fmt.Fprintf(stderr, "read keys: %v\n", err)
			return 2
		}
	}

	res := events.VerifyChain(chain, keys)
	out, _ := json.Marshal(res)
	fmt.Fprintln(stdout, string(out))
	if !res.OK {
		return 1
	}
	return 0
}

func runArtifact(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("artifact", flag.ContinueOnError)
	fs.SetOutput(stderr)
	filePath := fs.String("file", "", "artifact record JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *filePath == "" {
		fmt.Fprintln(stderr, "artifact requires -file")
		return 2
	}

	var rec store.ArtifactRecord
	if err := readJSON(*filePath, &rec); err != nil {
		fmt.Fprintf(stderr, "read artifact: %v\n", err)
		return 2
	}
	if err := artifacts.Verify(&rec); err != nil {
		fmt.Fprintf(stdout, `{"ok":false,"error":%q}`+"\n", err.Error())
		return 1
	}
	fmt.Fprintln(stdout, `{"ok":true}`)
	return 0
}

func readJSON(path string, into any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, into)
}
