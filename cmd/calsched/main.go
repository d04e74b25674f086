package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"calsched/internal/config"
	"calsched/internal/ics"
	appLog "calsched/internal/log"
	"calsched/internal/property"
	"calsched/internal/schedule"
	"calsched/internal/store"
	"calsched/internal/synctoken"
)

const appVersion = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	message    string
	dsn        string
	priorToken string
	collection string
	register   []string
}

// output is what the CLI prints on stdout.
type output struct {
	Properties []property.SharedProperty `json:"properties,omitempty"`

	Outcome  schedule.Outcome  `json:"outcome,omitempty"`
	Result   *schedule.Result  `json:"result,omitempty"`
	FreeBusy map[string]string `json:"free_busy,omitempty"`

	SyncToken *synctoken.Token `json:"sync_token,omitempty"`
}

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		appLog.Error("calsched failed", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	flags, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	if flags.message == "" && len(flags.register) == 0 {
		return errors.New("nothing to do: pass --message and/or --register")
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.dsn != "" {
		conf.Store.DSN = flags.dsn
	}
	appLog.Setup(stderr, appLog.ParseLevel(conf.Log.Level), appLog.Format(conf.Log.Format))

	appLog.Info("calsched starting",
		"version", appVersion,
		"store", storeScheme(conf.Store.DSN),
		"internal_domains", strings.Join(conf.Scheduling.InternalDomains, ","),
		"max_attempts", conf.Scheduling.MaxAttempts,
	)

	st, err := store.Open(ctx, conf.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	var out output

	if len(flags.register) > 0 {
		registry := property.NewRegistry(st, conf.Labels.DefaultLanguage)
		for _, arg := range flags.register {
			kind, owner, value, lang, err := parseRegistration(arg)
			if err != nil {
				return err
			}
			p, err := registry.FindOrCreate(ctx, owner, kind, value, lang)
			if err != nil {
				return fmt.Errorf("register %q: %w", arg, err)
			}
			out.Properties = append(out.Properties, p)
		}
	}

	if flags.message != "" {
		if err := resolveMessage(ctx, conf, st, flags, &out); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	appLog.Info("calsched exiting")
	return nil
}

func resolveMessage(ctx context.Context, conf *config.Config, st store.Store, flags flagConfig, out *output) error {
	body, err := readMessage(flags.message)
	if err != nil {
		return err
	}
	msg, err := ics.ParseMessage(body)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flags.message, err)
	}

	path := flags.collection
	if path == "" {
		path = conf.Scheduling.DefaultCollection
	}
	msg.CollectionPath = path

	resolver := schedule.NewResolver(st, st, schedule.NewDomainDirectory(conf.Scheduling.InternalDomains), conf.Scheduling)
	res, err := resolver.Resolve(ctx, msg)
	if err != nil {
		return err
	}
	out.Result = res
	out.Outcome = res.Outcome()
	if err := res.Err(); err != nil {
		appLog.Warn("message rejected", "uid", msg.UID, "err", err)
	}

	for _, rr := range res.Recipients() {
		if rr.FreeBusy == nil {
			continue
		}
		text, err := ics.EncodeFreeBusy(rr.FreeBusy)
		if err != nil {
			return fmt.Errorf("encode free/busy for %s: %w", rr.Recipient, err)
		}
		if out.FreeBusy == nil {
			out.FreeBusy = make(map[string]string)
		}
		out.FreeBusy[rr.Recipient] = text
	}

	tokens := synctoken.NewService(st)
	tok, err := tokens.Current(ctx, path)
	if err != nil {
		return err
	}
	if flags.priorToken != "" {
		changed, err := tokens.Changed(ctx, flags.priorToken, path)
		if err != nil && !errors.Is(err, synctoken.ErrInvalidToken) {
			return err
		}
		tok.Changed = changed
	}
	out.SyncToken = &tok
	return nil
}

func readMessage(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return b, nil
}

// parseRegistration splits kind:owner:label[@lang]. The language is taken
// after the last '@' of the label part.
func parseRegistration(arg string) (property.Kind, string, string, string, error) {
	parts := strings.SplitN(arg, ":", 3)
	if len(parts) != 3 {
		return "", "", "", "", fmt.Errorf("register %q: want kind:owner:label[@lang]", arg)
	}
	kind, ok := property.ParseKind(parts[0])
	if !ok {
		return "", "", "", "", fmt.Errorf("register %q: unknown kind %q", arg, parts[0])
	}
	value, lang := parts[2], ""
	if i := strings.LastIndexByte(value, '@'); i >= 0 {
		value, lang = value[:i], value[i+1:]
	}
	return kind, parts[1], value, lang, nil
}

func storeScheme(dsn string) string {
	if i := strings.Index(dsn, "://"); i >= 0 {
		return dsn[:i]
	}
	return dsn
}

func parseFlags(args []string, stderr io.Writer) (flagConfig, error) {
	var cfg flagConfig

	flagSet := pflag.NewFlagSet("calsched", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVar(&cfg.configPath, "config", "/etc/calsched/config.yaml", "Path to config file (created with defaults if missing)")
	flagSet.StringVar(&cfg.message, "message", "", "iTIP message file to resolve (- for stdin)")
	flagSet.StringVar(&cfg.dsn, "dsn", "", "Store DSN (overrides config if set)")
	flagSet.StringVar(&cfg.priorToken, "prior-token", "", "Sync token from a previous run")
	flagSet.StringVar(&cfg.collection, "collection", "", "Collection stamped on acceptance (default from config)")
	flagSet.StringArrayVar(&cfg.register, "register", nil, "Register a shared property as kind:owner:label[@lang] (repeatable)")

	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return cfg, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, nil
}
