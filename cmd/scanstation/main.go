// Command scanstation is a terminal front end for one cart. Barcode scanners
// type into stdin like a fast keyboard; lines starting with a command prefix
// are handled directly:
//
//	?text     search the catalog (debounced)
//	+n        add result n of the last search
//	=         print the cart
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/ariefcatur/go-rental-cart/internal/backend"
	"github.com/ariefcatur/go-rental-cart/internal/cart"
	"github.com/ariefcatur/go-rental-cart/internal/config"
	"github.com/ariefcatur/go-rental-cart/internal/logx"
	"github.com/ariefcatur/go-rental-cart/internal/redisx"
	"github.com/ariefcatur/go-rental-cart/internal/rental"
	"github.com/ariefcatur/go-rental-cart/internal/scanner"
	"github.com/ariefcatur/go-rental-cart/internal/selection"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	modeFlag := flag.String("mode", string(rental.ModeCatalogFloating), "cart mode")
	ctxFlag := flag.String("context", "", "project or equipment id for context-bound modes")
	flag.Parse()

	logger, err := logx.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	mode, err := rental.ParseMode(*modeFlag)
	if err != nil {
		logger.Fatal("mode", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	c, err := cart.Open(ctx, mode, *ctxFlag, cart.Options{
		Capacity:  cfg.CartCapacity,
		KeyPrefix: cfg.CartKeyPrefix,
		Persister: redisx.NewSnapshotStore(rdb, cfg.CartKeyPrefix, cfg.CartExpiry, logger),
		Log:       logger,
	})
	if err != nil {
		logger.Fatal("open cart", zap.Error(err))
	}
	defer c.Flush()

	be := backend.NewClient(cfg.BackendURL, cfg.BackendTimeout)
	st := &station{cart: c, out: os.Stdout}
	st.search = selection.NewSearcher(be, selection.SearchOptions{
		Debounce: cfg.SearchDebounce,
		PageSize: cfg.SearchPageSize,
		OnResult: st.printResults,
		Log:      logger,
	})
	defer st.search.Close()

	intake := &selection.ScanIntake{Lookup: be, Cart: c, Notify: st.printNotice, Log: logger}
	l := scanner.NewListener(scanner.Config{Gap: cfg.ScanGap, MinLength: cfg.ScanMinLength}, logger)
	detach := intake.Attach(ctx, l)
	defer detach()

	keys := make(chan scanner.KeyEvent, 256)
	if err := l.Start(ctx, keys); err != nil {
		logger.Fatal("scanner", zap.Error(err))
	}
	defer l.Stop()

	fmt.Fprintf(st.out, "cart %s ready, %d items\n", c.Key(), c.ItemCount())
	st.readInput(ctx, bufio.NewReader(os.Stdin), keys)
}

type station struct {
	cart   *cart.Store
	search *selection.Searcher
	out    io.Writer
}

const commandPrefixes = "?+="

// readInput routes command lines to the station and everything else to the
// scanner as key events.
func (s *station) readInput(ctx context.Context, in *bufio.Reader, keys chan<- scanner.KeyEvent) {
	defer close(keys)
	var cmd []rune
	lineStart := true
	for {
		r, _, err := in.ReadRune()
		if err != nil {
			return
		}
		enter := r == '\n' || r == '\r'

		if cmd != nil {
			if enter {
				s.command(ctx, string(cmd))
				cmd, lineStart = nil, true
			} else {
				cmd = append(cmd, r)
			}
			continue
		}
		if lineStart && strings.ContainsRune(commandPrefixes, r) {
			cmd = []rune{r}
			continue
		}
		lineStart = enter

		select {
		case keys <- scanner.KeyEvent{Char: r, Enter: enter, At: time.Now()}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *station) command(ctx context.Context, cmd string) {
	switch cmd[0] {
	case '?':
		s.search.Type(ctx, cmd[1:])
	case '+':
		n, err := strconv.Atoi(strings.TrimSpace(cmd[1:]))
		res, ok := s.search.Latest()
		if err != nil || !ok || n < 1 || n > len(res.Page.Items) {
			fmt.Fprintln(s.out, "no such result")
			return
		}
		li, err := selection.Select(s.cart, res.Page.Items[n-1], 1, nil)
		if err != nil {
			fmt.Fprintf(s.out, "not added: %v\n", err)
			return
		}
		fmt.Fprintf(s.out, "added %s (qty %d)\n", li.Name, li.Quantity)
	case '=':
		s.printCart()
	}
}

func (s *station) printResults(r selection.Result) {
	if r.Err != nil {
		fmt.Fprintf(s.out, "search failed: %v\n", r.Err)
		return
	}
	fmt.Fprintf(s.out, "%q page %d/%d, %d total\n", r.Query.Query, r.Page.Page, r.Page.Pages, r.Page.Total)
	for i, eq := range r.Page.Items {
		fmt.Fprintf(s.out, "  %2d  %-8s %s\n", i+1, eq.ID, eq.Name)
	}
}

func (s *station) printNotice(n selection.Notice) {
	switch n.Kind {
	case selection.NoticeAdded:
		fmt.Fprintf(s.out, "scanned %s: %s (qty %d)\n", n.Token, n.Item.Name, n.Item.Quantity)
	case selection.NoticeNotFound:
		fmt.Fprintf(s.out, "scanned %s: not found\n", n.Token)
	default:
		fmt.Fprintf(s.out, "scanned %s: %s\n", n.Token, n.Err)
	}
}

func (s *station) printCart() {
	items := s.cart.Items()
	fmt.Fprintf(s.out, "%s: %d lines, %d items\n", s.cart.Key(), len(items), s.cart.ItemCount())
	for _, li := range items {
		fmt.Fprintf(s.out, "  %-8s %-30s x%d\n", li.EquipmentID, li.Name, li.Quantity)
	}
}
