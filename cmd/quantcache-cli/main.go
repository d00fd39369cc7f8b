package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"quantcache/internal/app"
	"quantcache/internal/cache"
	"quantcache/internal/config"
	"quantcache/internal/domain"
	"quantcache/internal/util"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: quantcache-cli <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                   Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  info [SYMBOL]             Show cache metadata\n")
	fmt.Fprintf(os.Stderr, "  days SYMBOL               List cached intraday days, newest first\n")
	fmt.Fprintf(os.Stderr, "  range SYMBOL START END    Print daily bars (YYYY-MM-DD), fetching gaps\n")
	fmt.Fprintf(os.Stderr, "  day SYMBOL [DAY]          Print ticks of DAY (default: live day)\n")
	fmt.Fprintf(os.Stderr, "  clear [SYMBOL]            Drop the cache of SYMBOL, or everything\n")
	fmt.Fprintf(os.Stderr, "  cleanup [DAYS]            Remove intraday days older than DAYS\n")
	fmt.Fprintf(os.Stderr, "  warm                      Fill the configured warm-up symbols\n")
	fmt.Fprintf(os.Stderr, "\n")
}

func main() {
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Printf("quantcache-cli %s\n", version)
		return
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := util.NewLoggerTo(os.Stderr, "warn", cfg.Logging.Format)

	a, err := app.Open(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open cache: %v\n", err)
		os.Exit(1)
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c := &cli{m: a.Manager, cfg: cfg, out: os.Stdout, now: time.Now}
	if err := c.run(ctx, args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", args[0], err)
		if errors.Is(err, errUsage) {
			usage()
		}
		a.Close()
		os.Exit(1)
	}
}

var errUsage = errors.New("bad arguments")

type cli struct {
	m   *cache.Manager
	cfg *config.Config
	out io.Writer
	now func() time.Time
}

func (c *cli) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "info":
		symbol := ""
		if len(rest) > 0 {
			symbol = rest[0]
		}
		info, err := c.m.CacheInfo(ctx, symbol)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, renderInfo(info))

	case "days":
		if len(rest) != 1 {
			return errUsage
		}
		days, err := c.m.ListDays(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, renderDays(rest[0], days))

	case "range":
		if len(rest) != 3 {
			return errUsage
		}
		start, err := domain.ParseDate(rest[1])
		if err != nil {
			return err
		}
		end, err := domain.ParseDate(rest[2])
		if err != nil {
			return err
		}
		if _, _, _, err := cache.ValidateRange(rest[0], start, end); err != nil {
			return err
		}
		fmt.Fprintln(c.out, renderBars(c.m.GetRange(ctx, rest[0], start, end, true)))

	case "day":
		if len(rest) < 1 || len(rest) > 2 {
			return errUsage
		}
		var (
			day   time.Time
			ticks []domain.Tick
			err   error
		)
		if len(rest) == 2 {
			if day, err = domain.ParseDate(rest[1]); err != nil {
				return err
			}
			ticks, err = c.m.GetDay(ctx, rest[0], day)
		} else {
			day, ticks, err = c.m.GetLiveDay(ctx, rest[0])
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(c.out, renderTicks(day, ticks))

	case "clear":
		symbol := ""
		if len(rest) > 0 {
			symbol = rest[0]
		}
		if err := c.m.Clear(ctx, symbol); err != nil {
			return err
		}
		if symbol == "" {
			symbol = "all symbols"
		}
		fmt.Fprintf(c.out, "cleared %s\n", symbol)

	case "cleanup":
		days := c.cfg.Intraday.RetentionDays
		if len(rest) > 0 {
			n, err := strconv.Atoi(rest[0])
			if err != nil {
				return fmt.Errorf("%w: days must be an integer", errUsage)
			}
			days = n
		}
		removed, err := c.m.Cleanup(ctx, days)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "removed %d intraday entries older than %d days\n", removed, days)

	case "warm":
		if len(c.cfg.Warm.Symbols) == 0 {
			return errors.New("no warm.symbols configured")
		}
		end := domain.DateOf(c.now())
		start := end.AddDate(0, 0, -c.cfg.Warm.LookbackDays)
		bars, err := c.m.Warm(ctx, c.cfg.Warm.Symbols, start, end)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "warmed %d symbols, %d bars cached\n", len(c.cfg.Warm.Symbols), bars)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}
