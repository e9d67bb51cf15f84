package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/skywalkerx28/chatM-sub000/internal/config"
	"github.com/skywalkerx28/chatM-sub000/internal/credential"
	"github.com/skywalkerx28/chatM-sub000/internal/gate"
	"github.com/skywalkerx28/chatM-sub000/internal/logging"
	"github.com/skywalkerx28/chatM-sub000/internal/mesh"
	"github.com/skywalkerx28/chatM-sub000/internal/metrics"
	"github.com/skywalkerx28/chatM-sub000/internal/topic"
	"github.com/skywalkerx28/chatM-sub000/internal/transport"
	"github.com/skywalkerx28/chatM-sub000/internal/wire"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "topic":
		return runTopic(args[1:], stdout, stderr)
	case "token":
		return runToken(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: chatm-node <run|topic|token> [args]")
	fmt.Fprintln(w, "  run    --config <path> [--peer <addr> ...] [--credential <path>]")
	fmt.Fprintln(w, "  topic  --campus <id> <general|announcements|broadcast|community|course|dm> [args]")
	fmt.Fprintln(w, "  token  verify --issuer-key <hex> --file <path>")
}

type peerList []string

func (p *peerList) String() string { return strings.Join(*p, ",") }

func (p *peerList) Set(v string) error {
	*p = append(*p, v)
	return nil
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "config file path")
	credPath := fs.String("credential", "", "path to this node's offline credential")
	var peers peerList
	fs.Var(&peers, "peer", "peer address to dial (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	_ = godotenv.Load(".env")

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config failed: %v\n", err)
		return 1
	}
	log := logging.New(cfg.LogLevel, "")

	g := gate.New(gate.Options{
		NeighborCap:     cfg.Gate.NeighborCap,
		GlobalCap:       cfg.Gate.GlobalCap,
		NegativeTTL:     cfg.Gate.NegativeTTL.Std(),
		StalenessCap:    cfg.Gate.StalenessCap.Std(),
		RequestInterval: cfg.Gate.RequestInterval.Std(),
		PruneInterval:   cfg.Gate.PruneInterval.Std(),
		Logger:          log,
	})

	var tokenVerifier credential.Verifier
	if cfg.Issuer.URL != "" {
		keys := credential.NewKeySet(cfg.Issuer.URL, credential.KeySetOptions{TTL: cfg.Issuer.KeySetTTL.Std()})
		tokenVerifier = credential.NewTokenVerifier(keys)
	}
	var certVerifier credential.Verifier
	if cfg.Issuer.CertKey != "" {
		issuerKey, err := parseIssuerKey(cfg.Issuer.CertKey)
		if err != nil {
			fmt.Fprintf(stderr, "bad issuer cert key: %v\n", err)
			return 1
		}
		certVerifier, err = credential.NewCertVerifier(issuerKey)
		if err != nil {
			fmt.Fprintf(stderr, "bad issuer cert key: %v\n", err)
			return 1
		}
	}
	if tokenVerifier == nil && certVerifier == nil {
		fmt.Fprintln(stderr, "no issuer configured; all inbound attestations would fail")
		return 1
	}

	var own wire.AttestationOffer
	if *credPath != "" {
		raw, err := os.ReadFile(*credPath)
		if err != nil {
			fmt.Fprintf(stderr, "read credential failed: %v\n", err)
			return 1
		}
		own = wire.AttestationOffer{Kind: wire.CredentialCert, Credential: raw}
	}

	tr := transport.New(transport.Options{
		ListenAddr:    cfg.ListenAddr,
		MaxConnsPerIP: 8,
		Logger:        log,
	})
	router, err := mesh.NewRouter(mesh.Options{
		Gate:          g,
		TokenVerifier: tokenVerifier,
		CertVerifier:  certVerifier,
		Sender:        tr,
		Credential:    own,
		Logger:        log,
		Deliver: func(msg wire.Message, from string) {
			fmt.Fprintf(stdout, "[%s] %s <%s> %s\n", msg.Timestamp.Format("15:04:05"), msg.Topic, msg.Sender, msg.Content)
		},
	})
	if err != nil {
		fmt.Fprintf(stderr, "router setup failed: %v\n", err)
		return 1
	}
	tr.SetHandler(router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go router.Run(ctx)
	go func() {
		if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
			log.Error("metrics listener failed", "err", err)
		}
	}()
	for _, addr := range peers {
		if _, err := tr.Dial(ctx, addr); err != nil {
			log.Warn("dial failed", "addr", addr, "err", err)
		}
	}
	log.Info("node running", "campus", cfg.CampusID, "listen", cfg.ListenAddr)
	err = tr.Listen(ctx)
	_ = tr.Close()
	if err != nil {
		fmt.Fprintf(stderr, "transport failed: %v\n", err)
		return 1
	}
	return 0
}

func runTopic(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("topic", flag.ContinueOnError)
	fs.SetOutput(stderr)
	campus := fs.String("campus", "", "campus identifier")
	name := fs.String("name", "", "community name (community)")
	dept := fs.String("dept", "", "department (course)")
	number := fs.String("number", "", "course number (course)")
	term := fs.String("term", "", "term (course)")
	date := fs.String("date", "", "session date (course)")
	slot := fs.String("slot", "", "session slot (course)")
	building := fs.String("building", "", "session building (course)")
	room := fs.String("room", "", "session room (course)")
	a := fs.String("a", "", "first participant (dm)")
	b := fs.String("b", "", "second participant (dm)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *campus == "" || fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: topic --campus <id> <kind> [flags]")
		return 1
	}
	var id topic.ID
	switch fs.Arg(0) {
	case "general":
		id = topic.GeneralTopic(*campus)
	case "announcements":
		id = topic.AnnouncementsTopic(*campus)
	case "broadcast":
		id = topic.BroadcastTopic(*campus)
	case "community":
		if *name == "" {
			fmt.Fprintln(stderr, "missing --name")
			return 1
		}
		id = topic.CommunityTopic(*campus, *name)
	case "course":
		if *dept == "" || *number == "" || *term == "" {
			fmt.Fprintln(stderr, "missing --dept/--number/--term")
			return 1
		}
		course := topic.CourseTag(*dept, *number, *term)
		session := topic.SessionTag(*date, *slot, *building, *room)
		id = topic.CourseTopic(*campus, course, session)
	case "dm":
		if *a == "" || *b == "" {
			fmt.Fprintln(stderr, "missing --a/--b")
			return 1
		}
		id = topic.DMTopic(*campus, *a, *b)
	default:
		fmt.Fprintf(stderr, "unknown topic kind: %s\n", fs.Arg(0))
		return 1
	}
	fmt.Fprintln(stdout, id)
	return 0
}

func runToken(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] != "verify" {
		fmt.Fprintln(stderr, "usage: token verify --issuer-key <hex> --file <path>")
		return 1
	}
	fs := flag.NewFlagSet("token verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyHex := fs.String("issuer-key", "", "hex-encoded ed25519 issuer public key")
	file := fs.String("file", "", "credential file")
	if err := fs.Parse(args[1:]); err != nil {
		return 1
	}
	if *keyHex == "" || *file == "" {
		fmt.Fprintln(stderr, "missing --issuer-key or --file")
		return 1
	}
	issuerKey, err := parseIssuerKey(*keyHex)
	if err != nil {
		fmt.Fprintf(stderr, "bad issuer key: %v\n", err)
		return 1
	}
	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(stderr, "read credential failed: %v\n", err)
		return 1
	}
	v, err := credential.NewCertVerifier(issuerKey)
	if err != nil {
		fmt.Fprintf(stderr, "bad issuer key: %v\n", err)
		return 1
	}
	att, err := v.Verify(context.Background(), raw)
	if err != nil {
		fmt.Fprintf(stderr, "verify failed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "subject=%s campus=%s handle=%s expiry=%s\n", att.Subject, att.CampusID, att.Handle, att.Expiry)
	return 0
}

func parseIssuerKey(hexKey string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("issuer key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	return ed25519.PublicKey(b), nil
}
