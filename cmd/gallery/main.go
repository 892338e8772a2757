// Gallery scrolls a window of tiles over a list of images and prints every
// tile state change. Images come from the mock fetcher unless -live is set.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/Amund211/contentloader/internal/adapters/cache"
	"github.com/Amund211/contentloader/internal/adapters/decoder"
	"github.com/Amund211/contentloader/internal/adapters/fetcher"
	"github.com/Amund211/contentloader/internal/domain"
	"github.com/Amund211/contentloader/internal/imageloader"
	"github.com/Amund211/contentloader/internal/loader"
	"github.com/Amund211/contentloader/internal/ratelimiting"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

type tile struct {
	index int

	mu    sync.Mutex
	shown string
}

func (t *tile) ShowContent(img image.Image) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = fmt.Sprintf("image %dx%d", img.Bounds().Dx(), img.Bounds().Dy())
}

func (t *tile) ShowPlaceholder(p imageloader.Placeholder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.shown = fmt.Sprintf("placeholder %s", p)
}

func (t *tile) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return fmt.Sprintf("tile %d: %s", t.index, t.shown)
}

type event struct {
	tile  *tile
	state imageloader.State
}

func main() {
	items := flag.Int("items", 40, "number of images in the gallery")
	tiles := flag.Int("tiles", 6, "number of visible tiles")
	poolSize := flag.Int("pool", 3, "number of concurrent fetches")
	delay := flag.Duration("delay", 150*time.Millisecond, "mock fetch delay")
	interval := flag.Duration("interval", 50*time.Millisecond, "time between scroll steps")
	capacity := flag.String("cache", "4MiB", "image cache capacity")
	live := flag.String("live", "", "URL template with a %d verb, e.g. https://picsum.photos/id/%d/400/300")
	flag.Parse()

	if *items < 1 || *tiles < 1 || *tiles > *items {
		log.Fatalf("Invalid gallery size: %d tiles over %d items", *tiles, *items)
	}
	if *live != "" && !strings.Contains(*live, "%d") {
		log.Fatalf("Live URL template must contain %%d")
	}

	cacheCapacity, err := humanize.ParseBytes(*capacity)
	if err != nil {
		log.Fatalf("Invalid cache capacity: %v", err)
	}

	var source loader.Fetcher[[]byte] = fetcher.NewMock(*delay, time.After)
	keyFor := func(i int) string {
		if i%7 == 6 {
			return fmt.Sprintf("mock://gallery/missing-%03d", i)
		}
		return fmt.Sprintf("mock://gallery/item-%03d", i)
	}
	if *live != "" {
		opts := fetcher.HTTPOptions{
			ConnectTimeout: 5 * time.Second,
			ReadTimeout:    10 * time.Second,
			BufferSize:     64 * 1024,
			UseCaches:      true,
		}
		limiter, stop := ratelimiting.NewTokenBucketRateLimiter(5, 5)
		defer stop()
		source = fetcher.NewHTTP(fetcher.NewHTTPClient(opts), limiter, opts)
		keyFor = func(i int) string {
			return fmt.Sprintf(*live, i)
		}
	}

	contentLoader, err := loader.New[image.Image](decoder.NewImages(source))
	if err != nil {
		log.Fatalf("Failed to create loader: %v", err)
	}

	imageCache := cache.NewLRUCache(cacheCapacity, decoder.SizeOf)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	events := make(chan event, 256)
	gallery, err := imageloader.New[image.Image](
		imageCache,
		contentLoader,
		*poolSize,
		imageloader.WithTransitionHook(func(target imageloader.Target[image.Image], state imageloader.State) {
			select {
			case events <- event{tile: target.(*tile), state: state}:
			case <-ctx.Done():
			}
		}),
	)
	if err != nil {
		log.Fatalf("Failed to create image loader: %v", err)
	}
	gallery.Start()
	defer gallery.Close()

	window := make([]*tile, *tiles)
	for i := range window {
		window[i] = &tile{index: i}
	}

	request := func(i int) domain.Request {
		return domain.NewRequest(keyFor(i), domain.Options{
			domain.OptionWidth:  "160",
			domain.OptionHeight: "120",
		}).WithID(i)
	}

	settled := func() bool {
		for _, t := range window {
			if gallery.State(t) == imageloader.StatePending {
				return false
			}
		}
		return true
	}

	scrolled := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(scrolled)

		for offset := 0; offset+*tiles <= *items; offset++ {
			for i, t := range window {
				gallery.Bind(gctx, t, request(offset+i))
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(*interval):
			}
		}

		for !settled() {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case e := <-events:
				fmt.Printf("%-12s %s\n", e.state, e.tile)
			case <-scrolled:
				for {
					select {
					case e := <-events:
						fmt.Printf("%-12s %s\n", e.state, e.tile)
					default:
						return nil
					}
				}
			}
		}
	})

	if err := g.Wait(); err != nil {
		log.Printf("Stopped early: %v", err)
	}

	fmt.Println()
	for _, t := range window {
		fmt.Println(t)
	}
	fmt.Printf(
		"Cached %d images (%s of %s)\n",
		imageCache.Len(),
		humanize.IBytes(imageCache.Size()),
		humanize.IBytes(cacheCapacity),
	)
}
