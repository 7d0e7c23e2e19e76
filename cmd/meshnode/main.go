// cmd/meshnode/main.go
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"meshnode/internal/engine"
	"meshnode/internal/pprofutil"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshnode")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("usage: meshnode <run|record|peer>")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		cmdRun(os.Args[2:])
	case "record":
		cmdRecord(os.Args[2:])
	case "peer":
		cmdPeer(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}

// cmdRun starts the engine's accept loop and sync ticker, each on its
// own goroutine, and blocks until interrupted (spec.md §4.8 run_server
// / run_loop; SPEC_FULL.md §5.1 maps each to one long-lived goroutine).
func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	name := fs.String("name", "", "this node's display name")
	root := fs.String("root", "", "state directory (default ~/.meshnode)")
	port := fs.Uint("port", 6364, "listen port")
	peers := fs.String("peer", "", "comma-separated name=addr=pubkey_hex entries to seed")
	_ = fs.Parse(args)

	if *name == "" {
		die("run failed", fmt.Errorf("-name is required"))
	}
	rootPath := *root
	if rootPath == "" {
		rootPath = homeDir()
	}

	if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
		die("pprof setup failed", err)
	}

	eng, err := engine.New(*name, rootPath, uint16(*port))
	if err != nil {
		die("engine.New failed", err)
	}

	eng.SetDelegate(func(ev engine.Event) {
		switch ev.Kind {
		case engine.MessageAdmitted:
			fmt.Printf("message admitted: peer=%s counter=%d\n", ev.Message.PeerID, ev.Message.Counter)
		case engine.PeerChanged:
			fmt.Printf("peer changed: %s online=%v\n", ev.Peer.PeerID, ev.Peer.Online)
		}
	})

	for _, spec := range splitNonEmpty(*peers, ",") {
		parts := strings.SplitN(spec, "=", 3)
		if len(parts) != 3 {
			fmt.Fprintf(os.Stderr, "ignoring malformed -peer entry %q (want name=addr=pubkey_hex)\n", spec)
			continue
		}
		if err := eng.SetPeer(parts[0], parts[1], parts[2]); err != nil {
			fmt.Fprintf(os.Stderr, "SetPeer(%s) failed: %v\n", parts[0], err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- eng.RunServer() }()
	go eng.RunLoop()

	if err := <-errCh; err != nil {
		die("run_server exited", err)
	}
}

func splitNonEmpty(s, sep string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			out = append(out, p)
		}
	}
	return out
}

// cmdRecord prints this node's signed discovery record, generating an
// identity under -root on first use, for sharing with peers
// out-of-band (mirrors spec.md §6's record format).
func cmdRecord(args []string) {
	fs := flag.NewFlagSet("record", flag.ExitOnError)
	name := fs.String("name", "", "this node's display name")
	root := fs.String("root", "", "state directory (default ~/.meshnode)")
	port := fs.Uint("port", 6364, "listen port")
	_ = fs.Parse(args)

	if *name == "" {
		die("record failed", fmt.Errorf("-name is required"))
	}
	rootPath := *root
	if rootPath == "" {
		rootPath = homeDir()
	}

	eng, err := engine.New(*name, rootPath, uint16(*port))
	if err != nil {
		die("engine.New failed", err)
	}
	raw := eng.GetRecord()
	fmt.Println(hex.EncodeToString(raw))
}

// cmdPeer verifies a record presented as a hex string, useful for
// manually checking an out-of-band advertisement before seeding it
// with `run -peer`.
func cmdPeer(args []string) {
	fs := flag.NewFlagSet("peer", flag.ExitOnError)
	hexRecord := fs.String("record", "", "hex-encoded signed record")
	_ = fs.Parse(args)

	raw, err := hex.DecodeString(*hexRecord)
	if err != nil {
		die("peer failed", err)
	}

	eng, err := engine.New("verifier", homeDir(), 0)
	if err != nil {
		die("engine.New failed", err)
	}
	rec, err := eng.VerifyRecord(raw)
	if err != nil {
		die("record verification failed", err)
	}
	fmt.Printf("name=%s peer_id=%s port=%d\n", rec.Name, rec.PeerID(), rec.Port)
}
