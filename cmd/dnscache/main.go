// Command dnscache runs the resolver: it loads configuration, wires the
// cache, upstream pool, rule processor, and forwarder together, and
// serves DNS over UDP and/or TCP until signaled to stop. Grounded on the
// teacher's cmd/glory-hole/main.go (flag handling, config watcher
// startup, telemetry/logger wiring, signal-driven shutdown), trimmed to
// this resolver's narrower component set.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dnscache/pkg/cache"
	"dnscache/pkg/config"
	"dnscache/pkg/dnsserver"
	"dnscache/pkg/forwarder"
	"dnscache/pkg/logging"
	"dnscache/pkg/record"
	"dnscache/pkg/rules"
	"dnscache/pkg/telemetry"
	"dnscache/pkg/upstream"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")
	showVersion    = flag.Bool("version", false, "Show version information and exit")

	version = "dev"
)

const shutdownGrace = 5 * time.Second

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dnscache %s\n", version)
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration valid.")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	cfgWatcher, err = config.NewWatcher(*configPath, logger.Logger)
	if err != nil {
		logger.Error("failed to reinitialize config watcher with logger", "error", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	go func() {
		if err := cfgWatcher.Start(ctx); err != nil && ctx.Err() == nil {
			logger.Error("config watcher stopped", "error", err)
		}
	}()

	logger.Info("dnscache starting", "version", version, "listen_address", cfg.Server.ListenAddress)

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = telem.Shutdown(shutdownCtx)
	}()

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}

	dnsCache, err := cache.New(cacheConfigFrom(cfg.Cache), logger)
	if err != nil {
		logger.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}

	servers := make([]*upstream.Server, 0, len(cfg.Upstreams))
	for _, u := range cfg.Upstreams {
		s, err := upstream.NewServer(u.Addr, u.Timeout, u.MaxInFlight, logger)
		if err != nil {
			logger.Error("failed to initialize upstream server", "addr", u.Addr, "error", err)
			os.Exit(1)
		}
		servers = append(servers, s)
	}
	pool := upstream.NewPool(servers, logger)

	fwd := forwarder.New(dnsCache, pool, logger)
	processor, err := rulesProcessorFrom(cfg.Rules)
	if err != nil {
		logger.Error("failed to compile rule lists", "error", err)
		os.Exit(1)
	}

	handler := dnsserver.NewHandler(processor, fwd, logger)
	server := dnsserver.NewServer(&cfg.Server, handler, logger, metrics)

	cfgWatcher.OnChange(func(newCfg *config.Config) {
		reloadRulesAndUpstreams(newCfg, handler, fwd, logger)
	})

	if err := server.Start(ctx); err != nil {
		logger.Error("dnsserver exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("dnscache stopped")
}

func cacheConfigFrom(c config.CacheConfig) cache.Config {
	return cache.Config{
		Capacity:                 c.Capacity,
		MaxTTL:                   c.MaxTTL,
		MinPositiveTTL:           c.MinPositiveTTL,
		MinNegativeTransientTTL:  c.MinNegativeTransientTTL,
		MinNegativePersistentTTL: c.MinNegativePersistentTTL,
		MaxStaleness:             c.MaxStaleness,
		StaleTTL:                 c.StaleTTL,
	}
}

func rulesProcessorFrom(cfg config.RulesConfig) (*rules.Processor, error) {
	lists := make(map[rules.RuleListID][]rules.Rule, len(cfg.Lists))
	for name, entries := range cfg.Lists {
		ruleList := make([]rules.Rule, 0, len(entries))
		for _, entry := range entries {
			matcher, err := rules.NewExprMatcher(entry.Match)
			if err != nil {
				return nil, fmt.Errorf("rule list %q: %w", name, err)
			}
			action, err := parseAction(entry.Action)
			if err != nil {
				return nil, fmt.Errorf("rule list %q: %w", name, err)
			}
			ruleList = append(ruleList, rules.Rule{Matcher: matcher, Action: action})
		}
		lists[rules.RuleListID(name)] = ruleList
	}
	return rules.NewProcessor(lists), nil
}

// reloadRulesAndUpstreams rebuilds the rule processor and upstream pool
// from a reloaded config and swaps them into the running handler and
// forwarder. Only these two are safe to hot-swap; cache capacity changes
// still require a restart, since reconstructing the range-cache under
// load is out of scope. A rebuild failure leaves the previous processor
// or pool in place rather than tearing the resolver down.
func reloadRulesAndUpstreams(newCfg *config.Config, handler *dnsserver.Handler, fwd *forwarder.Forwarder, logger *logging.Logger) {
	if processor, err := rulesProcessorFrom(newCfg.Rules); err != nil {
		logger.Error("failed to recompile rule lists from reloaded config; keeping previous rules", "error", err)
	} else {
		handler.SetProcessor(processor)
		logger.Info("rule lists reloaded", "lists", len(newCfg.Rules.Lists))
	}

	servers := make([]*upstream.Server, 0, len(newCfg.Upstreams))
	for _, u := range newCfg.Upstreams {
		s, err := upstream.NewServer(u.Addr, u.Timeout, u.MaxInFlight, logger)
		if err != nil {
			logger.Error("failed to rebuild upstream pool from reloaded config; keeping previous pool", "error", err)
			return
		}
		servers = append(servers, s)
	}
	fwd.SetPool(upstream.NewPool(servers, logger))
	logger.Info("upstream pool reloaded", "upstreams", len(servers))
}

func parseAction(action string) (rules.Action, error) {
	switch {
	case action == "forward" || action == "":
		return rules.Forward{}, nil
	case strings.HasPrefix(action, "return:"):
		var code uint8
		if _, err := fmt.Sscanf(strings.TrimPrefix(action, "return:"), "%d", &code); err != nil {
			return nil, fmt.Errorf("invalid return code in action %q: %w", action, err)
		}
		return rules.ReturnCode{Code: record.ResponseCode(code)}, nil
	case strings.HasPrefix(action, "jump:"):
		return rules.JumpTo{List: rules.RuleListID(strings.TrimPrefix(action, "jump:"))}, nil
	default:
		return nil, fmt.Errorf("unrecognized action %q", action)
	}
}
