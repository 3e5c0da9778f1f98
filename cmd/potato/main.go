package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/docopt/docopt-go"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/sour-is/potato/internal/config"
	"github.com/sour-is/potato/internal/lg"
	"github.com/sour-is/potato/pkg/math"
	"github.com/sour-is/potato/pkg/poll"
	"github.com/sour-is/potato/pkg/storage"
	"github.com/sour-is/potato/pkg/storage/driver"
	blobstore "github.com/sour-is/potato/pkg/storage/driver/blob-store"
	memstore "github.com/sour-is/potato/pkg/storage/driver/mem-store"
	s3store "github.com/sour-is/potato/pkg/storage/driver/s3-store"
	sqlstore "github.com/sour-is/potato/pkg/storage/driver/sql-store"
)

const appName = "potato"

var usage = `Potato keeps a paged feed cached and fresh.
usage:
  potato serve [--demo-depth <n>]
  potato inspect [--data <dsn>] [<list>]

Options:
  --data <dsn>       Storage to read, defaults to $POTATO_DATA
  --demo-depth <n>   Pages of history the demo feed serves [default: 10]

Settings are read from POTATO_* environment variables. Without POTATO_FEED
a demo feed is served.
`

type opts struct {
	Serve   bool `docopt:"serve"`
	Inspect bool `docopt:"inspect"`

	Data      string `docopt:"--data"`
	DemoDepth string `docopt:"--demo-depth"`
	List      string `docopt:"<list>"`
}

func main() {
	o, err := docopt.ParseDoc(usage)
	if err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	var opts opts
	if err := o.Bind(&opts); err != nil {
		fmt.Println(err)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, os.Kill)
	go func() {
		<-ctx.Done()
		defer cancel() // restore interrupt function
	}()

	if err := run(ctx, opts); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, opts opts) error {
	ctx, stop := lg.Init(ctx, appName)
	defer func() {
		if err := stop(); err != nil {
			log.Println(err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	err = multierr.Combine(
		memstore.Init(ctx),
		blobstore.Init(ctx),
		sqlstore.Init(ctx),
		s3store.Init(ctx),
	)
	if err != nil {
		return err
	}

	switch {
	case opts.Inspect:
		if opts.Data != "" {
			cfg.DSN = opts.Data
		}
		if opts.List == "" {
			opts.List = cfg.List
		}
		return inspect(ctx, cfg, opts.List)
	default:
		depth, err := strconv.Atoi(opts.DemoDepth)
		if err != nil {
			return fmt.Errorf("demo depth: %w", err)
		}
		return serve(ctx, cfg, depth)
	}
}

func openStorage(ctx context.Context, cfg config.Config) (*storage.Storage[*entry], driver.Driver, error) {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d, err := storage.Open(ctx, cfg.DSN)
	if err != nil {
		span.RecordError(err)
		return nil, nil, err
	}

	var codec storage.Codec[*entry] = storage.JSONCodec[*entry]{}
	if cfg.Codec == "msgpack" {
		codec = storage.MsgpackCodec[*entry]{}
	}

	s, err := storage.New[*entry](ctx,
		storage.WithClass("entry", cfg.Version),
		storage.WithCapacity(cfg.Capacity),
		storage.WithTrimSize(cfg.TrimSize),
		storage.WithTransport(storage.NewTransport[*entry](d, codec)),
	)
	if err != nil {
		span.RecordError(err)
		closeDriver(d)
		return nil, nil, err
	}

	return s, d, nil
}

func serve(ctx context.Context, cfg config.Config, depth int) error {
	s, d, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeDriver(d)

	list := s.ObtainList(cfg.List)
	defer list.Release()

	if !list.LoadSync(ctx) {
		log.Printf("%s: starting empty", cfg.List)
	}

	var source poll.Source[*entry] = newDemoFeed(cfg.Limit, depth, time.Now)
	if cfg.Feed != "" {
		source = newRemoteFeed(cfg.Feed, cfg.Limit, list)
	}

	p, err := poll.NewPaginatedPoll(ctx, list, source, newest, cfg.Limit,
		poll.WithRefreshPeriod(cfg.Refresh),
		poll.WithExecutor(poll.NewSerial(ctx)),
	)
	if err != nil {
		return err
	}

	r := newRouter()
	r.Add(lg.NewHTTP(ctx), &service{list: list, poll: p})

	srv := &http.Server{
		Addr:    cfg.HTTP,
		Handler: lg.Htrace(r.Handler(), appName),
	}
	if strings.HasPrefix(srv.Addr, ":") {
		srv.Addr = "[::]" + srv.Addr
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Print("Listen on ", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		tick := time.NewTicker(math.Max(cfg.Refresh/10, time.Second))
		defer tick.Stop()

		l := logListener(cfg.List, p)
		for {
			p.UpdateIfNecessary(ctx, l)
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
			}
		}
	})

	g.Go(func() error {
		<-ctx.Done()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if p.OkToSave() && !list.SaveSync(ctx) {
			log.Printf("%s: save failed", cfg.List)
		}
		return srv.Shutdown(ctx)
	})

	return g.Wait()
}

func logListener(name string, p *poll.Poll[*entry]) poll.Listener {
	return &poll.ListenerFuncs{
		Success: func(n int) {
			if n > 0 {
				log.Printf("%s: %s", name, p.SuccessMessage(n))
			}
		},
		Error: func(err error) {
			log.Printf("%s: %v", name, err)
		},
		StateChanged: func(state poll.State) {
			log.Printf("%s: state %s", name, state)
		},
	}
}

func inspect(ctx context.Context, cfg config.Config, name string) error {
	ctx, span := lg.Span(ctx)
	defer span.End()

	d, err := storage.Open(ctx, cfg.DSN)
	if err != nil {
		return err
	}
	defer closeDriver(d)

	key := driver.Key{Class: "entry", Version: cfg.Version, List: name}
	snap, err := d.Load(ctx, key)
	if errors.Is(err, driver.ErrNotFound) {
		fmt.Println(key, "not found")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	fmt.Println("key:  ", snap.Key)
	fmt.Println("ids:  ", len(snap.IDs))
	fmt.Println("items:", len(snap.Items))
	fmt.Println("meta: ", string(snap.Meta))
	for i, id := range snap.IDs {
		_, ok := snap.Items[id]
		fmt.Printf("%4d %s %v\n", i, id, ok)
	}

	return nil
}

func closeDriver(d driver.Driver) {
	if c, ok := d.(driver.Closer); ok {
		if err := c.Close(); err != nil {
			log.Println(err)
		}
	}
}
